package registry

import (
	"strings"
)

// topicTrie indexes subscriptions by topic segment so resolution walks only
// the matching branch. `*` matches exactly one segment: a.b.* matches a.b.c
// but not a.b.c.d.
type topicTrie struct {
	root *trieNode
}

type trieNode struct {
	children map[string]*trieNode
	wildcard *trieNode
	// endpoint names subscribed with a pattern terminating at this node
	subscribers []string
}

func newTopicTrie() *topicTrie {
	return &topicTrie{root: newTrieNode()}
}

func newTrieNode() *trieNode {
	return &trieNode{children: map[string]*trieNode{}}
}

// ValidateTopicPattern checks a subscription pattern: non-empty dot-separated
// segments, with `*` allowed only as a whole segment.
func ValidateTopicPattern(pattern string) error {
	if pattern == "" {
		return &InvalidTopicError{Topic: pattern, Reason: "empty pattern"}
	}
	for _, seg := range strings.Split(pattern, ".") {
		if seg == "" {
			return &InvalidTopicError{Topic: pattern, Reason: "empty segment"}
		}
		if strings.Contains(seg, "*") && seg != "*" {
			return &InvalidTopicError{Topic: pattern, Reason: "* must stand alone in a segment"}
		}
	}
	return nil
}

// ValidateTopic checks a concrete topic: like a pattern but with no wildcards.
func ValidateTopic(topic string) error {
	if topic == "" {
		return &InvalidTopicError{Topic: topic, Reason: "empty topic"}
	}
	for _, seg := range strings.Split(topic, ".") {
		if seg == "" {
			return &InvalidTopicError{Topic: topic, Reason: "empty segment"}
		}
		if strings.Contains(seg, "*") {
			return &InvalidTopicError{Topic: topic, Reason: "wildcards are not allowed in concrete topics"}
		}
	}
	return nil
}

func (t *topicTrie) add(pattern, endpoint string) {
	node := t.root
	for _, seg := range strings.Split(pattern, ".") {
		if seg == "*" {
			if node.wildcard == nil {
				node.wildcard = newTrieNode()
			}
			node = node.wildcard
			continue
		}
		child, ok := node.children[seg]
		if !ok {
			child = newTrieNode()
			node.children[seg] = child
		}
		node = child
	}
	node.subscribers = append(node.subscribers, endpoint)
}

// match returns the endpoint names whose patterns match the topic. Duplicates
// are possible when one endpoint holds several matching patterns; callers
// dedupe by name.
func (t *topicTrie) match(topic string) []string {
	var out []string
	segs := strings.Split(topic, ".")
	var walk func(node *trieNode, i int)
	walk = func(node *trieNode, i int) {
		if node == nil {
			return
		}
		if i == len(segs) {
			out = append(out, node.subscribers...)
			return
		}
		walk(node.children[segs[i]], i+1)
		walk(node.wildcard, i+1)
	}
	walk(t.root, 0)
	return out
}

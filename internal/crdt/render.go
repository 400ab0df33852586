package crdt

import "strings"

const (
	nodeTypeDoc       = "doc"
	nodeTypeParagraph = "paragraph"
	nodeTypeText      = "text"
)

// Node is a structured rendering of a document in the ProseMirror JSON shape.
type Node struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Content []Node `json:"content,omitempty"`
}

// Render returns the plain text of the default root together with its structured tree, where every
// line becomes a paragraph.
func (doc *Doc) Render() (string, Node) {
	text := doc.Text(DefaultRoot)
	return text, TreeFromText(text)
}

// TreeFromText converts plain text into a document tree.
func TreeFromText(text string) Node {
	tree := Node{Type: nodeTypeDoc}
	for _, line := range strings.Split(text, "\n") {
		paragraph := Node{Type: nodeTypeParagraph}
		if line != "" {
			paragraph.Content = []Node{{Type: nodeTypeText, Text: line}}
		}
		tree.Content = append(tree.Content, paragraph)
	}
	return tree
}

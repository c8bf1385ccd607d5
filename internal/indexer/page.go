package indexer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hyperjump/vecsync/internal/fileid"
	"github.com/hyperjump/vecsync/internal/models"
)

// Block properties the page parser understands.
const (
	propID          = "id"
	propDescription = "description"
	propHidden      = "hidden"
	propView        = "view"
)

// ParsePage parses an outline page into blocks. Bulleted lines ("- ", "* ", "+ ")
// open blocks nested by indentation; indented non-bullet lines continue the open
// block; "key:: value" lines set properties on it. Unbulleted paragraphs separated
// by blank lines become top-level blocks, so plain text pages parse too. Property
// lines before the first block are page properties and are ignored.
//
// Block IDs come from the id property when present, otherwise from the page path
// and the block's outline position. A child block holding only a description
// property becomes the parent's description and is marked DescriptionOf the parent.
// Workspace and UpdatedAt are left for the caller.
func ParsePage(path, content string) []*models.Block {
	p := &outlineParser{}
	for _, raw := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		p.line(raw)
	}
	return p.blocks(path)
}

type outlineNode struct {
	indent    int
	pos       string
	parent    *outlineNode
	children  int
	lines     []string
	props     map[string]string
	paragraph bool
	closed    bool
}

func (n *outlineNode) setProp(line string) {
	key, value, _ := strings.Cut(line, "::")
	n.props[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
}

type outlineParser struct {
	nodes []*outlineNode
	stack []*outlineNode
	roots int
	blank bool
}

func (p *outlineParser) top() *outlineNode {
	if len(p.stack) == 0 {
		return nil
	}
	return p.stack[len(p.stack)-1]
}

func (p *outlineParser) line(raw string) {
	if strings.TrimSpace(raw) == "" {
		p.blank = true
		return
	}
	blank := p.blank
	p.blank = false

	indent, text := splitIndent(raw)
	if rest, ok := bulletItem(text); ok {
		p.open(indent, rest, false)
		return
	}

	top := p.top()
	continues := top != nil && !top.closed &&
		((!top.paragraph && indent > top.indent) || (top.paragraph && !blank))
	if propertyLine.MatchString(text) {
		if continues {
			top.setProp(text)
		}
		return
	}
	if continues {
		top.lines = append(top.lines, text)
		return
	}
	n := p.open(indent, text, true)
	n.closed = headingMark.MatchString(text)
}

func (p *outlineParser) open(indent int, text string, paragraph bool) *outlineNode {
	for len(p.stack) > 0 && p.top().indent >= indent {
		p.stack = p.stack[:len(p.stack)-1]
	}
	n := &outlineNode{indent: indent, paragraph: paragraph, props: make(map[string]string)}
	if parent := p.top(); parent != nil {
		n.parent = parent
		n.pos = fmt.Sprintf("%s.%d", parent.pos, parent.children)
		parent.children++
	} else {
		n.pos = strconv.Itoa(p.roots)
		p.roots++
	}
	switch {
	case propertyLine.MatchString(text):
		n.setProp(text)
	case text != "":
		n.lines = append(n.lines, text)
	}
	p.nodes = append(p.nodes, n)
	p.stack = append(p.stack, n)
	return n
}

func (p *outlineParser) blocks(path string) []*models.Block {
	page := fileid.PageID(path)
	byNode := make(map[*outlineNode]*models.Block, len(p.nodes))
	seen := make(map[string]bool, len(p.nodes))
	out := make([]*models.Block, 0, len(p.nodes))

	for _, n := range p.nodes {
		id := n.props[propID]
		if id == "" {
			id = fileid.BlockID(path, n.pos)
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		b := &models.Block{
			ID:          id,
			Page:        page,
			Title:       strings.TrimSpace(strings.Join(n.lines, "\n")),
			Description: n.props[propDescription],
			Hidden:      truthy(n.props[propHidden]),
			UsedAsView:  truthy(n.props[propView]),
		}
		if parent := byNode[n.parent]; parent != nil && b.Title == "" && descriptionOnly(n.props) {
			b.Title, b.Description = b.Description, ""
			b.DescriptionOf = parent.ID
			if parent.Description == "" {
				parent.Description = b.Title
			}
		}
		byNode[n] = b
		out = append(out, b)
	}
	return out
}

func descriptionOnly(props map[string]string) bool {
	if props[propDescription] == "" {
		return false
	}
	for k := range props {
		if k != propDescription && k != propID {
			return false
		}
	}
	return true
}

func truthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func splitIndent(line string) (int, string) {
	indent := 0
	for i, r := range line {
		switch r {
		case ' ':
			indent++
		case '\t':
			indent += 2
		default:
			return indent, strings.TrimRight(line[i:], " \t")
		}
	}
	return indent, ""
}

func bulletItem(text string) (string, bool) {
	if text == "-" || text == "*" || text == "+" {
		return "", true
	}
	for _, m := range []string{"- ", "* ", "+ "} {
		if strings.HasPrefix(text, m) {
			return strings.TrimSpace(text[len(m):]), true
		}
	}
	return "", false
}

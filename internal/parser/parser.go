// Package parser wraps the tree-sitter Python grammar. Odoo model sources
// are parsed into concrete syntax trees that the extractors walk; no
// Python code is ever executed.
package parser

import (
	"errors"
	"fmt"
	"sync"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"
)

var (
	languageOnce sync.Once
	python       *tree_sitter.Language
	parserPool   *sync.Pool
)

func initLanguage() {
	languageOnce.Do(func() {
		python = tree_sitter.NewLanguage(tree_sitter_python.Language())
		parserPool = &sync.Pool{
			New: func() any {
				p := tree_sitter.NewParser()
				if err := p.SetLanguage(python); err != nil {
					panic(fmt.Sprintf("set language: %v", err))
				}
				return p
			},
		}
	})
}

// ErrSyntax is returned alongside the tree when the source has syntax
// errors. Odoo sources with errors are skipped rather than half-read.
var ErrSyntax = errors.New("syntax error")

// Language returns the Python grammar.
func Language() *tree_sitter.Language {
	initLanguage()
	return python
}

// Parse parses Python source into a tree. The caller must call tree.Close()
// when done. Parsers are pooled to avoid per-file allocation.
func Parse(source []byte) (*tree_sitter.Tree, error) {
	initLanguage()

	p, _ := parserPool.Get().(*tree_sitter.Parser)
	if p == nil {
		return nil, errors.New("failed to get python parser")
	}
	tree := p.Parse(source, nil)
	parserPool.Put(p)

	if tree == nil {
		return nil, errors.New("parse failed")
	}
	return tree, nil
}

// ParseStrict is Parse that rejects sources containing syntax errors. The
// returned error names the first error position.
func ParseStrict(source []byte) (*tree_sitter.Tree, error) {
	tree, err := Parse(source)
	if err != nil {
		return nil, err
	}
	root := tree.RootNode()
	if !root.HasError() {
		return tree, nil
	}
	var pos tree_sitter.Point
	found := false
	Walk(root, func(n *tree_sitter.Node) bool {
		if found {
			return false
		}
		if n.IsError() || n.IsMissing() {
			pos, found = n.StartPosition(), true
			return false
		}
		return n.HasError()
	})
	tree.Close()
	return nil, fmt.Errorf("%w at line %d column %d", ErrSyntax, pos.Row+1, pos.Column+1)
}

// WalkFunc is called for each node during AST traversal.
// Return false to skip children.
type WalkFunc func(node *tree_sitter.Node) bool

// Walk traverses the AST in depth-first order.
func Walk(node *tree_sitter.Node, fn WalkFunc) {
	if node == nil {
		return
	}
	if !fn(node) {
		return
	}
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child != nil {
			Walk(child, fn)
		}
	}
}

// NamedChildren returns the named children of node in order.
func NamedChildren(node *tree_sitter.Node) []*tree_sitter.Node {
	if node == nil {
		return nil
	}
	out := make([]*tree_sitter.Node, 0, node.NamedChildCount())
	for i := uint(0); i < node.NamedChildCount(); i++ {
		if c := node.NamedChild(i); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// NodeText returns the text content of a node.
func NodeText(node *tree_sitter.Node, source []byte) string {
	return string(source[node.StartByte():node.EndByte()])
}

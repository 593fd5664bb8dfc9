package klee

import (
	"fmt"

	"github.com/xlab/treeprint"
)

// PTreeNode is one node of the process tree. Leaves hold live states;
// interior nodes record past forks.
type PTreeNode struct {
	parent *PTreeNode
	left   *PTreeNode
	right  *PTreeNode
	state  *ExecutionState
}

// State returns the live state at a leaf, or nil for interior nodes.
func (n *PTreeNode) State() *ExecutionState { return n.state }

// Left returns the left child.
func (n *PTreeNode) Left() *PTreeNode { return n.left }

// Right returns the right child.
func (n *PTreeNode) Right() *PTreeNode { return n.right }

// ProcessTree is the binary history of forks. It supports path replay and
// attribution of generated test cases to fork decisions.
type ProcessTree struct {
	root *PTreeNode
}

// NewProcessTree returns a tree rooted at the initial state.
func NewProcessTree(initial *ExecutionState) *ProcessTree {
	root := &PTreeNode{state: initial}
	initial.ptreeNode = root
	return &ProcessTree{root: root}
}

// Root returns the tree root.
func (t *ProcessTree) Root() *PTreeNode { return t.root }

// Attach splits the leaf for an existing state into two children holding
// the new and the existing state.
func (t *ProcessTree) Attach(node *PTreeNode, newState, existing *ExecutionState) {
	assert(node.left == nil && node.right == nil, "attach to non-leaf ptree node")
	assert(node.state == existing, "attach: node does not hold existing state")

	node.state = nil
	node.left = &PTreeNode{parent: node, state: newState}
	node.right = &PTreeNode{parent: node, state: existing}
	newState.ptreeNode = node.left
	existing.ptreeNode = node.right
}

// Remove drops the leaf for a terminated state and compacts its parent if
// it becomes single-child.
func (t *ProcessTree) Remove(node *PTreeNode) {
	assert(node.left == nil && node.right == nil, "remove non-leaf ptree node")
	node.state = nil

	parent := node.parent
	if parent == nil {
		if t.root == node {
			t.root = nil
		}
		return
	}

	var sibling *PTreeNode
	if parent.left == node {
		parent.left = nil
		sibling = parent.right
	} else {
		parent.right = nil
		sibling = parent.left
	}

	// Splice the remaining child into the grandparent.
	if sibling != nil {
		grand := parent.parent
		sibling.parent = grand
		if grand == nil {
			t.root = sibling
		} else if grand.left == parent {
			grand.left = sibling
		} else {
			grand.right = sibling
		}
	}
}

// Dump renders the fork history as an ASCII tree.
func (t *ProcessTree) Dump() string {
	printer := treeprint.New()
	if t.root != nil {
		addPTreeNode(printer, t.root)
	}
	return printer.String()
}

func addPTreeNode(branch treeprint.Tree, node *PTreeNode) {
	label := "fork"
	if node.state != nil {
		label = fmt.Sprintf("state #%d", node.state.id)
	}
	if node.left == nil && node.right == nil {
		branch.AddNode(label)
		return
	}
	b := branch.AddBranch(label)
	if node.left != nil {
		addPTreeNode(b, node.left)
	}
	if node.right != nil {
		addPTreeNode(b, node.right)
	}
}

package taskflow

// TreeNode is the in-memory tree view reconstructed from the repository by
// depth-first expansion (§3.2).
type TreeNode struct {
	Task     *Task
	Children []*TreeNode
}

// Walk visits n and every descendant, depth-first, pre-order.
func (n *TreeNode) Walk(visit func(*TreeNode)) {
	if n == nil {
		return
	}
	visit(n)
	for _, c := range n.Children {
		c.Walk(visit)
	}
}

// Flatten returns every node in the subtree rooted at n, pre-order.
func (n *TreeNode) Flatten() []*TreeNode {
	var out []*TreeNode
	n.Walk(func(node *TreeNode) { out = append(out, node) })
	return out
}

// Find returns the node for id within the subtree rooted at n, or nil.
func (n *TreeNode) Find(id string) *TreeNode {
	var found *TreeNode
	n.Walk(func(node *TreeNode) {
		if found == nil && node.Task.ID == id {
			found = node
		}
	})
	return found
}

// Computed returns the rolled-up status and progress of the subtree
// rooted at n without mutating any node: progress is the mean of child
// progress, status the precedence-max of child statuses (§3.3). A leaf
// reports its own stored values.
func (n *TreeNode) Computed() (Status, float64) {
	if len(n.Children) == 0 {
		return n.Task.Status, n.Task.Progress
	}
	var sum float64
	var status Status
	for i, c := range n.Children {
		cs, cp := c.Computed()
		sum += cp
		if i == 0 {
			status = cs
		} else {
			status = MaxStatus(status, cs)
		}
	}
	// A node that executes in its own right (it names a method) folds its
	// own execution status into the roll-up; a method-less parent is a
	// pure aggregate of its children.
	if n.Task.Schemas.Method != "" {
		status = MaxStatus(status, n.Task.Status)
	}
	return status, roundProgress(sum / float64(len(n.Children)))
}

// Rollup recomputes the Status and Progress of every ancestor in the
// subtree rooted at n from its children, per §3.3: progress is the mean of
// child progress, status is the precedence-max of child statuses (plus the
// node's own status when it names an executor). Leaves (nodes with no
// children) are left untouched — their progress/status come from the
// executor.
func (n *TreeNode) Rollup() {
	if n == nil {
		return
	}
	for _, c := range n.Children {
		c.Rollup()
	}
	if len(n.Children) == 0 {
		return
	}

	var sum float64
	status := n.Children[0].Task.Status
	for _, c := range n.Children {
		sum += c.Task.Progress
		status = MaxStatus(status, c.Task.Status)
	}
	if n.Task.Schemas.Method != "" {
		status = MaxStatus(status, n.Task.Status)
	}
	n.Task.Progress = roundProgress(sum / float64(len(n.Children)))
	n.Task.Status = status
}

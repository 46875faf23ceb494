package statistics

import (
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Scalar is a named value captured by Tree. Times are kept as time.Time.
type Scalar struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Node is one group of a Tree.
type Node struct {
	Name          string     `json:"name"`
	Kind          string     `json:"kind"`
	Scalars       []Scalar   `json:"scalars,omitempty"`
	Distributions []Snapshot `json:"distributions,omitempty"`
	Groups        []*Node    `json:"groups,omitempty"`
}

// Find returns the direct child group with the given name.
func (n *Node) Find(name string) *Node {
	if n == nil {
		return nil
	}
	for _, g := range n.Groups {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// Path follows names from n downwards.
func (n *Node) Path(names ...string) *Node {
	cur := n
	for _, name := range names {
		cur = cur.Find(name)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Scalar returns the value of the named scalar.
func (n *Node) Scalar(name string) (any, bool) {
	if n == nil {
		return nil, false
	}
	for _, s := range n.Scalars {
		if s.Name == name {
			return s.Value, true
		}
	}
	return nil, false
}

// Int returns the named scalar as an int64, or 0.
func (n *Node) Int(name string) int64 {
	v, _ := n.Scalar(name)
	i, _ := ScalarValue(v)
	return i
}

// Distribution returns the named distribution.
func (n *Node) Distribution(name string) (Snapshot, bool) {
	if n == nil {
		return Snapshot{}, false
	}
	for _, d := range n.Distributions {
		if d.Name == name {
			return d, true
		}
	}
	return Snapshot{}, false
}

// Tree collects an iteration into a nested Node structure.
type Tree struct {
	mu    sync.Mutex
	root  *Node
	stack []*Node
	taken time.Time
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	t := &Tree{}
	t.Reset()
	return t
}

// Reset discards collected data.
func (t *Tree) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = &Node{Name: "statistics", Kind: KindGroup}
	t.stack = []*Node{t.root}
	t.taken = time.Now()
}

// Root returns the root node.
func (t *Tree) Root() *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// TakenAt returns when collection started.
func (t *Tree) TakenAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.taken
}

// OpenGroup implements Handler.
func (t *Tree) OpenGroup(name, kind string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := &Node{Name: name, Kind: kind}
	top := t.stack[len(t.stack)-1]
	top.Groups = append(top.Groups, n)
	t.stack = append(t.stack, n)
	return nil
}

// CloseGroup implements Handler.
func (t *Tree) CloseGroup() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.stack) <= 1 {
		return errors.New("pipeflow: statistics group closed without being opened")
	}
	t.stack = t.stack[:len(t.stack)-1]
	return nil
}

// HandleScalar implements Handler.
func (t *Tree) HandleScalar(name string, value any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	top := t.stack[len(t.stack)-1]
	top.Scalars = append(top.Scalars, Scalar{Name: name, Value: value})
	return nil
}

// HandleDistribution implements Handler.
func (t *Tree) HandleDistribution(s Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	top := t.stack[len(t.stack)-1]
	top.Distributions = append(top.Distributions, s)
	return nil
}

// MarshalJSON encodes the collected tree.
func (t *Tree) MarshalJSON() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sonic.ConfigStd.Marshal(struct {
		TakenAt time.Time `json:"taken_at"`
		Root    *Node     `json:"statistics"`
	}{TakenAt: t.taken, Root: t.root})
}

// Collect runs one iteration of src into a fresh Tree.
func Collect(src Source, action Action) (*Tree, error) {
	t := NewTree()
	if err := src.IterateStatistics(t, action); err != nil {
		return t, err
	}
	return t, nil
}

package domain

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Choice переход из узла в дочерний узел.
type Choice struct {
	Label        string `json:"label"`
	TargetNodeID string `json:"target_node_id"`
}

// Node одна сцена истории.
type Node struct {
	ID              string   `json:"id"`
	Depth           int      `json:"depth"`
	Text            string   `json:"text"`
	Choices         []Choice `json:"choices"`
	IsEnding        bool     `json:"is_ending"`
	IsWinningEnding bool     `json:"is_winning_ending"`
}

// Story сгенерированное дерево. После сохранения не меняется.
type Story struct {
	ID         uuid.UUID        `json:"id"`
	Title      string           `json:"title"`
	Prompt     string           `json:"prompt"`
	SessionID  string           `json:"session_id,omitempty"`
	RootNodeID string           `json:"root_node_id"`
	Nodes      map[string]*Node `json:"nodes"`
	CreatedAt  time.Time        `json:"created_at"`
}

// NodeID id узла по порядку обхода в ширину: n0 корень, дальше n1, n2...
func NodeID(seq int) string {
	return "n" + strconv.Itoa(seq)
}

// nodeSeq обратное к NodeID, -1 если формат чужой.
func nodeSeq(id string) int {
	if len(id) < 2 || id[0] != 'n' {
		return -1
	}
	n, err := strconv.Atoi(id[1:])
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// Root корневой узел или nil.
func (s *Story) Root() *Node {
	return s.Nodes[s.RootNodeID]
}

// OrderedNodes узлы в порядке id (n0, n1, ... n10), удобно для вывода.
func (s *Story) OrderedNodes() []*Node {
	out := make([]*Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := nodeSeq(out[i].ID), nodeSeq(out[j].ID)
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Clone глубокая копия.
func (s *Story) Clone() *Story {
	if s == nil {
		return nil
	}
	c := *s
	c.Nodes = make(map[string]*Node, len(s.Nodes))
	for id, n := range s.Nodes {
		nn := *n
		nn.Choices = append([]Choice(nil), n.Choices...)
		c.Nodes[id] = &nn
	}
	return &c
}

// Validate проверяет, что граф является деревом с корнем RootNodeID:
// все цели существуют, у каждого некорневого узла ровно один родитель,
// все узлы достижимы, циклов нет, флаги концовок согласованы с выборами.
func (s *Story) Validate() error {
	root, ok := s.Nodes[s.RootNodeID]
	if !ok {
		return fmt.Errorf("%w: root node %q not found", ErrInvalidStory, s.RootNodeID)
	}
	if root.Depth != 1 {
		return fmt.Errorf("%w: root depth must be 1, got %d", ErrInvalidStory, root.Depth)
	}

	parents := make(map[string]int, len(s.Nodes))
	for id, n := range s.Nodes {
		if n.ID != id {
			return fmt.Errorf("%w: node key %q does not match id %q", ErrInvalidStory, id, n.ID)
		}
		if n.Text == "" {
			return fmt.Errorf("%w: node %s has empty text", ErrInvalidStory, id)
		}
		if len(n.Choices) == 0 && !n.IsEnding {
			return fmt.Errorf("%w: node %s has no choices but is not an ending", ErrInvalidStory, id)
		}
		if len(n.Choices) > 0 && (n.IsEnding || n.IsWinningEnding) {
			return fmt.Errorf("%w: node %s has choices but is marked as ending", ErrInvalidStory, id)
		}
		if n.IsWinningEnding && !n.IsEnding {
			return fmt.Errorf("%w: node %s is winning but not an ending", ErrInvalidStory, id)
		}
		for _, ch := range n.Choices {
			if ch.Label == "" {
				return fmt.Errorf("%w: node %s has a choice with empty label", ErrInvalidStory, id)
			}
			child, ok := s.Nodes[ch.TargetNodeID]
			if !ok {
				return fmt.Errorf("%w: node %s points to missing node %q", ErrInvalidStory, id, ch.TargetNodeID)
			}
			if child.Depth != n.Depth+1 {
				return fmt.Errorf("%w: node %s depth %d is not parent depth + 1", ErrInvalidStory, child.ID, child.Depth)
			}
			parents[ch.TargetNodeID]++
		}
	}

	if parents[s.RootNodeID] != 0 {
		return fmt.Errorf("%w: root node %s has a parent", ErrInvalidStory, s.RootNodeID)
	}
	for id := range s.Nodes {
		if id == s.RootNodeID {
			continue
		}
		if p := parents[id]; p != 1 {
			return fmt.Errorf("%w: node %s has %d parents, expected 1", ErrInvalidStory, id, p)
		}
	}

	// при одном родителе у каждого узла и корне без родителя цикл возможен
	// только в компоненте, недостижимой из корня
	seen := make(map[string]bool, len(s.Nodes))
	queue := []string{s.RootNodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			return fmt.Errorf("%w: cycle through node %s", ErrInvalidStory, id)
		}
		seen[id] = true
		for _, ch := range s.Nodes[id].Choices {
			queue = append(queue, ch.TargetNodeID)
		}
	}
	if len(seen) != len(s.Nodes) {
		return fmt.Errorf("%w: %d of %d nodes are unreachable from root", ErrInvalidStory, len(s.Nodes)-len(seen), len(s.Nodes))
	}
	return nil
}

// StoryStats простые счетчики для логов и ответа API.
type StoryStats struct {
	Nodes           int `json:"nodes"`
	Endings         int `json:"endings"`
	WinningEndings  int `json:"winning_endings"`
	MaxReachedDepth int `json:"max_depth"`
}

// Stats считает StoryStats.
func (s *Story) Stats() StoryStats {
	st := StoryStats{Nodes: len(s.Nodes)}
	for _, n := range s.Nodes {
		if n.IsEnding {
			st.Endings++
		}
		if n.IsWinningEnding {
			st.WinningEndings++
		}
		if n.Depth > st.MaxReachedDepth {
			st.MaxReachedDepth = n.Depth
		}
	}
	return st
}

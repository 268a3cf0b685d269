package http

import (
	"time"

	"cyoa-server/internal/domain"

	"github.com/google/uuid"
)

type optionsRequest struct {
	MaxDepth        int `json:"max_depth" binding:"gte=0"`
	BranchingFactor int `json:"branching_factor" binding:"gte=0"`
}

// createJobRequest theme принимается как синоним prompt.
type createJobRequest struct {
	Prompt  string          `json:"prompt"`
	Theme   string          `json:"theme"`
	Options *optionsRequest `json:"options"`
}

func (r createJobRequest) prompt() string {
	if r.Prompt != "" {
		return r.Prompt
	}
	return r.Theme
}

func (r createJobRequest) options() domain.GenerationOptions {
	if r.Options == nil {
		return domain.GenerationOptions{}
	}
	return domain.GenerationOptions{MaxDepth: r.Options.MaxDepth, BranchingFactor: r.Options.BranchingFactor}
}

type jobResponse struct {
	JobID       uuid.UUID                `json:"job_id"`
	State       domain.JobState          `json:"state"`
	Prompt      string                   `json:"prompt"`
	Options     domain.GenerationOptions `json:"options"`
	Retries     int                      `json:"retries"`
	ResultRef   *uuid.UUID               `json:"result_ref,omitempty"`
	Error       string                   `json:"error,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
	StartedAt   *time.Time               `json:"started_at,omitempty"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

func toJobResponse(j *domain.Job) jobResponse {
	return jobResponse{
		JobID:       j.ID,
		State:       j.State,
		Prompt:      j.Prompt,
		Options:     j.Options,
		Retries:     j.Retries,
		ResultRef:   j.ResultRef,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

type jobListResponse struct {
	Jobs []jobResponse `json:"jobs"`
}

type choiceResponse struct {
	Label        string `json:"label"`
	TargetNodeID string `json:"target_node_id"`
}

type nodeResponse struct {
	ID              string           `json:"id"`
	Depth           int              `json:"depth"`
	Text            string           `json:"text"`
	Choices         []choiceResponse `json:"choices"`
	IsEnding        bool             `json:"is_ending"`
	IsWinningEnding bool             `json:"is_winning_ending"`
}

type storyResponse struct {
	ID         uuid.UUID               `json:"id"`
	Title      string                  `json:"title"`
	Prompt     string                  `json:"prompt"`
	RootNodeID string                  `json:"root_node_id"`
	Nodes      map[string]nodeResponse `json:"nodes"`
	CreatedAt  time.Time               `json:"created_at"`
}

type statsResponse struct {
	Nodes           int `json:"nodes"`
	Endings         int `json:"endings"`
	WinningEndings  int `json:"winning_endings"`
	MaxReachedDepth int `json:"max_reached_depth"`
}

// completeStoryResponse история целиком: узлы в порядке обхода и статистика.
type completeStoryResponse struct {
	storyResponse
	Order []string      `json:"order"`
	Stats statsResponse `json:"stats"`
}

func toNodeResponse(n *domain.Node) nodeResponse {
	choices := make([]choiceResponse, 0, len(n.Choices))
	for _, c := range n.Choices {
		choices = append(choices, choiceResponse{Label: c.Label, TargetNodeID: c.TargetNodeID})
	}
	return nodeResponse{
		ID:              n.ID,
		Depth:           n.Depth,
		Text:            n.Text,
		Choices:         choices,
		IsEnding:        n.IsEnding,
		IsWinningEnding: n.IsWinningEnding,
	}
}

func toStoryResponse(s *domain.Story) storyResponse {
	nodes := make(map[string]nodeResponse, len(s.Nodes))
	for id, n := range s.Nodes {
		nodes[id] = toNodeResponse(n)
	}
	return storyResponse{
		ID:         s.ID,
		Title:      s.Title,
		Prompt:     s.Prompt,
		RootNodeID: s.RootNodeID,
		Nodes:      nodes,
		CreatedAt:  s.CreatedAt,
	}
}

func toCompleteStoryResponse(s *domain.Story) completeStoryResponse {
	ordered := s.OrderedNodes()
	order := make([]string, 0, len(ordered))
	for _, n := range ordered {
		order = append(order, n.ID)
	}
	st := s.Stats()
	return completeStoryResponse{
		storyResponse: toStoryResponse(s),
		Order:         order,
		Stats: statsResponse{
			Nodes:           st.Nodes,
			Endings:         st.Endings,
			WinningEndings:  st.WinningEndings,
			MaxReachedDepth: st.MaxReachedDepth,
		},
	}
}

package server

import (
	"encoding/json"

	"kanboard/internal/domain"
)

// Request payloads

type CreateBoardRequest struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Owners    []string `json:"owners,omitempty" maxItems:"4"`
	SeedTasks *int     `json:"seed_tasks,omitempty" minimum:"0"`
}

type CreateTaskRequest struct {
	ID    *string `json:"id,omitempty"`
	Title string  `json:"title,omitempty"`
}

// Response payloads

type BoardResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	ID          string  `json:"id"`
	BoardID     string  `json:"board_id"`
	Seq         int64   `json:"seq"`
	Title       string  `json:"title,omitempty"`
	State       string  `json:"state" enum:"todo,wip,test,done"`
	OwnerID     *string `json:"owner_id,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type OwnerResponse struct {
	ID                string `json:"id"`
	BoardID           string `json:"board_id"`
	Name              string `json:"name"`
	Position          int    `json:"position"`
	HasWorkInProgress bool   `json:"has_work_in_progress"`
	IsTesting         bool   `json:"is_testing"`
}

type StatusResponse struct {
	BoardID    string          `json:"board_id"`
	Name       string          `json:"name"`
	TaskCounts map[string]int  `json:"task_counts"`
	Owners     []OwnerResponse `json:"owners"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	BoardID    string         `json:"board_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type boardList struct {
	Items []BoardResponse `json:"items"`
}

type ownerList struct {
	Items []OwnerResponse `json:"items"`
}

type paginatedTasks struct {
	Items []TaskResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func boardResponse(b domain.Board) BoardResponse {
	return BoardResponse(b)
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		BoardID:     t.BoardID,
		Seq:         t.Seq,
		Title:       t.Title,
		State:       t.State.String(),
		OwnerID:     t.OwnerID,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}
}

func ownerResponse(o domain.Owner) OwnerResponse {
	return OwnerResponse(o)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		BoardID:    e.BoardID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func statusResponse(st domain.Status) StatusResponse {
	return StatusResponse{
		BoardID:    st.Board.ID,
		Name:       st.Board.Name,
		TaskCounts: st.Counts,
		Owners:     mapOwners(st.Owners),
	}
}

func mapBoards(items []domain.Board) []BoardResponse {
	res := make([]BoardResponse, 0, len(items))
	for _, b := range items {
		res = append(res, boardResponse(b))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapOwners(items []domain.Owner) []OwnerResponse {
	res := make([]OwnerResponse, 0, len(items))
	for _, o := range items {
		res = append(res, ownerResponse(o))
	}
	return res
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

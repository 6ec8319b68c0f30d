// Package main implements a mock model server for local development and
// latency testing. It serves OpenAI-compatible /v1/chat/completions
// responses with schema-valid payloads for each assessment task kind, and
// can inject artificial latency to exercise the fallback ladder: run it
// with -latency above the interactive budget and every request downgrades
// to static plus a deferred completion.
//
// Usage:
//
//	mock-model -port 11434 -latency 0s
//
// The task kind is inferred from the system prompt; unknown prompts get
// the refine payload.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type embeddingsRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// payloads are schema-valid canned responses per task kind.
var payloads = map[string]string{
	"template":  `{"outline": "Situation, action, result.", "example": "During the Q3 incident I coordinated the rollback and we recovered in 40 minutes.", "bullet_points": ["Name a concrete situation", "Describe your own action", "Quantify the result"]}`,
	"refine":    `{"refined": "I coordinated the rollback during the Q3 incident, restoring service in 40 minutes.", "improvement_hints": ["Add what you learned", "Mention who you collaborated with"]}`,
	"conflicts": `{"duplicates": [[0, 2]], "contradictions": [{"self_idx": 1, "peer_idx": 0, "reason": "Self reports proactive communication, peer reports missed updates"}]}`,
	"summary":   `{"strengths": ["Incident response", "Cross-team coordination", "Technical depth"], "areas_for_growth": ["Status communication", "Delegation", "Documentation"], "next_steps": ["Weekly status notes", "Hand off one on-call rotation", "Write two runbooks"]}`,
}

type server struct {
	latency time.Duration
	calls   atomic.Int64
}

func main() {
	port := flag.Int("port", 11434, "port to listen on")
	latency := flag.Duration("latency", 0, "artificial delay before each completion")
	flag.Parse()

	s := &server{latency: *latency}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("/stats", s.handleStats)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock model server listening on %s (latency=%s)", addr, *latency)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	kind := inferKind(req.Messages)
	log.Printf("[call %d] model=%s kind=%s messages=%d", callNum, req.Model, kind, len(req.Messages))

	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	content := payloads[kind]
	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index: 0,
				Message: chatMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req embeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	// Deterministic vector derived from input length.
	vec := make([]float64, 8)
	for i := range vec {
		vec[i] = float64((len(req.Input)+i)%17) / 17.0
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"object": "embedding", "index": 0, "embedding": vec},
		},
		"model": req.Model,
	})
}

// handleStats returns the call count for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls": s.calls.Load(),
	})
}

// inferKind picks the task kind from the system prompt wording.
func inferKind(messages []chatMessage) string {
	var system string
	for _, m := range messages {
		if m.Role == "system" {
			system = strings.ToLower(m.Content)
			break
		}
	}

	switch {
	case strings.Contains(system, "template"):
		return "template"
	case strings.Contains(system, "duplicates") || strings.Contains(system, "contradictions"):
		return "conflicts"
	case strings.Contains(system, "summar"):
		return "summary"
	default:
		return "refine"
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"worldcore/internal/kernel"
	"worldcore/pkg/dispatch"
	"worldcore/pkg/logx"
	"worldcore/pkg/outcome"
	"worldcore/pkg/workunit"
)

const maxEventBody = 64 << 10

// eventRequest is the body of POST /events.
type eventRequest struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
	Wait   bool   `json:"wait"`
}

// eventResponse reports a queued or finished event.
type eventResponse struct {
	EventID   string  `json:"event_id"`
	Tier      string  `json:"tier"`
	Status    string  `json:"status"`
	Reply     string  `json:"reply,omitempty"`
	Error     string  `json:"error,omitempty"`
	ElapsedMS float64 `json:"elapsed_ms,omitempty"`
}

// server turns HTTP requests into dispatched events answered by the reply unit.
type server struct {
	k      *kernel.Kernel
	reply  *workunit.Unit
	logger *logx.Logger
}

func newServer(k *kernel.Kernel) (*server, error) {
	reply, err := k.NewUnit("reply", func(ctx context.Context, _ *workunit.Pool, payload any) (workunit.Result, error) {
		prompt, ok := payload.(string)
		if !ok {
			return workunit.Result{}, fmt.Errorf("reply payload must be a prompt, got %T", payload)
		}
		text, err := k.Generate(ctx, prompt)
		if err != nil {
			return workunit.Result{}, err
		}
		return workunit.Result{Value: text}, nil
	})
	if err != nil {
		return nil, err
	}
	return &server{k: k, reply: reply, logger: logx.NewLogger("http")}, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", s.k.Handler())
	mux.HandleFunc("POST /events", s.handleEvent)
	return mux
}

func (s *server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&req); err != nil {
		http.Error(w, "invalid event body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" || req.Prompt == "" {
		http.Error(w, "type and prompt are required", http.StatusBadRequest)
		return
	}

	var (
		result outcome.Outcome
		ran    bool
	)
	ticket, err := s.k.Dispatcher.TrySubmit(req.Type, req.Prompt, func(ctx context.Context, payload any) error {
		result, ran = s.reply.Execute(ctx, payload), true
		return result.Error()
	})
	switch {
	case errors.Is(err, dispatch.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	case errors.Is(err, dispatch.ErrNotRunning):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := eventResponse{EventID: ticket.EventID, Tier: ticket.Tier.String(), Status: "queued"}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	o, err := ticket.Wait(r.Context())
	if err != nil {
		http.Error(w, "client gave up waiting", http.StatusRequestTimeout)
		return
	}
	// The unit's outcome keeps TimedOut apart from Failed; the ticket's does not.
	if ran {
		o = result
	}
	resp.Status = o.Status.String()
	resp.ElapsedMS = float64(o.Elapsed.Microseconds()) / 1000
	if o.OK() {
		if text, ok := o.Value.(string); ok {
			resp.Reply = text
		}
	} else {
		resp.Error = o.Error().Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

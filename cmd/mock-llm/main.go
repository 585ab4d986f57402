// mock-llm is an OpenAI-compatible stand-in server for offline
// StoryBench runs. It serves canned completions from fixture files,
// routing by the request's model field, so the openai-compatible and
// local providers can be exercised without network access or API keys.
//
// Fixtures live in a directory as text files named after the model:
//
//	llama3.txt        single response, repeated for every call
//	llama3.1.txt      first call
//	llama3.2.txt      second call, and so on
//
// Numbered files are served in order, one per call, which lines up
// with a battery sequence: prompt 1 gets fixture 1, prompt 2 gets
// fixture 2. After the numbered files run out the base file (or the
// last numbered file) repeats, so judge calls against the same model
// keep getting a response.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
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

// capturedRequest records the fields a test needs to verify what the
// runner actually sent: the accumulated context arrives as the user
// message content.
type capturedRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"`
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]string
	calls    atomic.Int64

	mu       sync.Mutex
	perModel map[string]int
	captured map[string][]capturedRequest
	logger   *slog.Logger
}

func newServer(fixtures map[string][]string, logger *slog.Logger) *server {
	return &server{
		fixtures: fixtures,
		perModel: make(map[string]int),
		captured: make(map[string][]capturedRequest),
		logger:   logger,
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *fixtureDir == "" {
		*fixtureDir = os.Getenv("MOCK_LLM_FIXTURES")
	}
	if *fixtureDir == "" {
		*fixtureDir = "fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		logger.Error("load fixtures", "dir", *fixtureDir, "error", err)
		os.Exit(1)
	}
	for name, seq := range fixtures {
		logger.Info("loaded fixtures", "model", name, "count", len(seq))
	}

	s := newServer(fixtures, logger)
	addr := fmt.Sprintf(":%d", *port)
	logger.Info("mock-llm listening", "addr", addr, "models", len(fixtures))
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
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

	seq, ok := s.fixtures[req.Model]
	if !ok {
		s.logger.Warn("no fixture for model", "model", req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}

	s.calls.Add(1)

	s.mu.Lock()
	callIndex := s.perModel[req.Model]
	s.perModel[req.Model] = callIndex + 1
	s.captured[req.Model] = append(s.captured[req.Model], capturedRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: callIndex + 1,
		Timestamp: time.Now().UnixMilli(),
	})
	s.mu.Unlock()

	content := seq[len(seq)-1]
	if callIndex < len(seq) {
		content = seq[callIndex]
	}

	s.logger.Info("serving completion",
		"model", req.Model, "call", callIndex+1, "fixtures", len(seq))

	promptChars := 0
	for _, m := range req.Messages {
		promptChars += len(m.Content)
	}
	writeJSON(w, chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     promptChars / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      (promptChars + len(content)) / 4,
		},
	})
}

func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	names := make([]string, 0, len(s.fixtures))
	for name := range s.fixtures {
		names = append(names, name)
	}
	sort.Strings(names)
	models := make([]modelEntry, 0, len(names))
	for _, name := range names {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	writeJSON(w, map[string]any{"object": "list", "data": models})
}

// handleStats reports call counts so a test or script can assert how
// many completions each model served.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int, len(s.perModel))
	for name, n := range s.perModel {
		byModel[name] = n
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_model": byModel,
	})
}

// handleRequests returns captured request bodies, optionally filtered
// by ?model= and ?call= (1-indexed). Useful for verifying that
// context accumulation reached the provider intact.
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	callFilter, _ := strconv.Atoi(r.URL.Query().Get("call"))

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for name, reqs := range s.captured {
		if modelFilter != "" && name != modelFilter {
			continue
		}
		for _, req := range reqs {
			if callFilter > 0 && req.CallIndex != callFilter {
				continue
			}
			result[name] = append(result[name], req)
		}
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"requests_by_model": result})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// numberedFileRe matches files like "llama3.1.txt", "llama3.2.txt".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.txt$`)

// loadFixtures reads .txt files from dir into per-model response
// sequences: numbered files in numeric order, then the base file as
// the repeating fallback.
func loadFixtures(dir string) (map[string][]string, error) {
	base := make(map[string]string)
	numbered := make(map[string]map[int]string)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		content := strings.TrimRight(string(data), "\n")

		if m := numberedFileRe.FindStringSubmatch(entry.Name()); m != nil {
			idx, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]string)
			}
			numbered[m[1]][idx] = content
			continue
		}
		base[strings.TrimSuffix(entry.Name(), ".txt")] = content
	}

	fixtures := make(map[string][]string)
	for name := range base {
		fixtures[name] = nil
	}
	for name := range numbered {
		fixtures[name] = nil
	}
	for name := range fixtures {
		var seq []string
		if nums := numbered[name]; nums != nil {
			indices := make([]int, 0, len(nums))
			for idx := range nums {
				indices = append(indices, idx)
			}
			sort.Ints(indices)
			for _, idx := range indices {
				seq = append(seq, nums[idx])
			}
		}
		if b, ok := base[name]; ok {
			seq = append(seq, b)
		}
		fixtures[name] = seq
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no .txt fixture files found in %s", dir)
	}
	return fixtures, nil
}

package steps

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/autoflow/internal/store"
)

type fakeRunner struct {
	got    CommandRequest
	result *CommandResult
	err    error
}

func (f *fakeRunner) Run(_ context.Context, req CommandRequest) (*CommandResult, error) {
	f.got = req
	return f.result, f.err
}

type fakeHTTP struct {
	mu   sync.Mutex
	reqs []HTTPRequest
	resp *HTTPResponse
	err  error
}

func (f *fakeHTTP) Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.resp == nil {
		return &HTTPResponse{StatusCode: 200}, nil
	}
	return f.resp, nil
}

func (f *fakeHTTP) last() HTTPRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type memFiles struct {
	files map[string][]byte
}

func newMemFiles() *memFiles { return &memFiles{files: map[string][]byte{}} }

func (m *memFiles) Read(_ context.Context, path string) ([]byte, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: file does not exist", path)
	}
	return data, nil
}

func (m *memFiles) Write(_ context.Context, path string, data []byte, appendMode bool) (int, error) {
	if appendMode {
		m.files[path] = append(m.files[path], data...)
	} else {
		m.files[path] = append([]byte(nil), data...)
	}
	return len(data), nil
}

func (m *memFiles) Delete(_ context.Context, path string) error {
	if _, ok := m.files[path]; !ok {
		return errors.New("file does not exist")
	}
	delete(m.files, path)
	return nil
}

func (m *memFiles) List(_ context.Context, dir string) ([]FileEntry, error) {
	var out []FileEntry
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for name, data := range m.files {
		if strings.HasPrefix(name, prefix) {
			out = append(out, FileEntry{Name: strings.TrimPrefix(name, prefix), Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memFiles) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.files[path]
	return ok, nil
}

type memTasks struct {
	mu    sync.Mutex
	tasks map[string]*store.Task
}

func newMemTasks() *memTasks { return &memTasks{tasks: map[string]*store.Task{}} }

func (m *memTasks) CreateTask(_ context.Context, t *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Status == "" {
		t.Status = "todo"
	}
	t.CreatedAt, t.UpdatedAt = time.Now(), time.Now()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memTasks) GetTask(_ context.Context, id string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (m *memTasks) UpdateTask(_ context.Context, id string, u store.TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	if u.Assignee != nil {
		t.Assignee = *u.Assignee
	}
	return nil
}

func (m *memTasks) ListTasks(context.Context, store.TaskFilter) ([]*store.Task, error) {
	return nil, nil
}

type fakeMailer struct {
	sent []EmailMessage
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg EmailMessage) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeChat struct {
	channel, message string
}

func (f *fakeChat) Send(_ context.Context, channel, message string) error {
	f.channel, f.message = channel, message
	return nil
}

type fakeDocs struct {
	op, target string
	clickup    ClickUpTask
	notion     NotionPage
}

func (f *fakeDocs) CreateTask(_ context.Context, listID string, task ClickUpTask) (*DocumentRef, error) {
	f.op, f.target, f.clickup = "create", listID, task
	return &DocumentRef{ID: "cu-1", URL: "https://app.clickup.com/t/cu-1"}, nil
}

func (f *fakeDocs) UpdateTask(_ context.Context, taskID string, task ClickUpTask) (*DocumentRef, error) {
	f.op, f.target, f.clickup = "update", taskID, task
	return &DocumentRef{ID: taskID, URL: "https://app.clickup.com/t/" + taskID}, nil
}

func (f *fakeDocs) CreatePage(_ context.Context, databaseID string, page NotionPage) (*DocumentRef, error) {
	f.op, f.target, f.notion = "create", databaseID, page
	return &DocumentRef{ID: "page-1", URL: "https://notion.so/page-1"}, nil
}

func (f *fakeDocs) UpdatePage(_ context.Context, pageID string, page NotionPage) (*DocumentRef, error) {
	f.op, f.target, f.notion = "update", pageID, page
	return &DocumentRef{ID: pageID, URL: "https://notion.so/" + pageID}, nil
}

type fakeAI struct {
	got AIRequest
}

func (f *fakeAI) Query(_ context.Context, req AIRequest) (*AIResponse, error) {
	f.got = req
	model := req.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &AIResponse{Response: "echo: " + req.Prompt, Model: model, Cost: 0.002}, nil
}

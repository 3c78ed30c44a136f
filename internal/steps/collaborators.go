package steps

import (
	"context"
	"time"
)

// CommandRunner runs a local process.
type CommandRunner interface {
	Run(ctx context.Context, req CommandRequest) (*CommandResult, error)
}

// CommandRequest describes one process invocation.
type CommandRequest struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string
	Timeout time.Duration
}

// CommandResult is the outcome of a process that ran to exit.
type CommandResult struct {
	Success  bool
	Stdout   string
	Stderr   string
	ExitCode int
}

// HTTPClient performs generic HTTP requests.
type HTTPClient interface {
	Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
}

// HTTPRequest is a collaborator-agnostic HTTP request.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    any
}

// HTTPResponse carries the status and the decoded body: parsed JSON when the
// body is valid JSON, the raw text otherwise.
type HTTPResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       any
}

// FileStore reads and writes files below a configured root.
type FileStore interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte, appendMode bool) (int, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, path string) ([]FileEntry, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// FileEntry is one directory listing item.
type FileEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	ModTime time.Time `json:"modTime"`
}

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is one outgoing email.
type EmailMessage struct {
	To      []string
	Cc      []string
	Subject string
	Body    string
	HTML    bool
}

// ChatMessenger posts chat messages (Slack).
type ChatMessenger interface {
	Send(ctx context.Context, channel, message string) error
}

// DocumentRef identifies an object created or updated in a document service.
type DocumentRef struct {
	ID  string
	URL string
}

// ClickUpClient creates and updates ClickUp tasks.
type ClickUpClient interface {
	CreateTask(ctx context.Context, listID string, task ClickUpTask) (*DocumentRef, error)
	UpdateTask(ctx context.Context, taskID string, task ClickUpTask) (*DocumentRef, error)
}

// ClickUpTask holds the writable task fields.
type ClickUpTask struct {
	Name        string
	Description string
	Status      string
	Priority    int
	Fields      map[string]any
}

// NotionClient creates and updates Notion pages.
type NotionClient interface {
	CreatePage(ctx context.Context, databaseID string, page NotionPage) (*DocumentRef, error)
	UpdatePage(ctx context.Context, pageID string, page NotionPage) (*DocumentRef, error)
}

// NotionPage holds the writable page fields.
type NotionPage struct {
	Title      string
	Properties map[string]any
	Content    string
}

// AIClient answers prompts.
type AIClient interface {
	Query(ctx context.Context, req AIRequest) (*AIResponse, error)
}

// AIRequest is one prompt.
type AIRequest struct {
	Prompt       string
	SystemPrompt string
	Model        string
	Temperature  *float64
	MaxTokens    int
}

// AIResponse is the answer plus the model that produced it and its cost.
type AIResponse struct {
	Response string
	Model    string
	Cost     float64
}

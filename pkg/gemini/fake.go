package gemini

import (
	"context"
	"fmt"
	"sync"
)

// FakeService is a scriptable in-memory Service used by tests. Each
// call site scripts responses per method; unscripted calls succeed
// with canned values.
type FakeService struct {
	mu sync.Mutex

	// PollsUntilActive is how many FileState calls return PROCESSING
	// before ACTIVE.
	PollsUntilActive int
	// GenerateErrs is consumed one per Generate call; a nil entry (or
	// an exhausted queue) yields GenerateText.
	GenerateErrs []error
	// GenerateText is the analysis text returned on success.
	GenerateText string
	// UploadErr fails every Upload call when set.
	UploadErr error
	// FailState makes FileState report FAILED with this message.
	FailState string

	UploadCalls   int
	PollCalls     int
	GenerateCalls int
	DeleteCalls   int
	Deleted       []string
}

var _ Service = (*FakeService)(nil)

func (f *FakeService) Upload(ctx context.Context, localPath, displayName, mimeType string) (FileHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UploadCalls++
	if f.UploadErr != nil {
		return FileHandle{}, f.UploadErr
	}
	state := StateProcessing
	if f.PollsUntilActive == 0 && f.FailState == "" {
		state = StateActive
	}
	return FileHandle{
		Name:     fmt.Sprintf("files/fake-%s", displayName),
		URI:      fmt.Sprintf("https://fake.upstream/files/%s", displayName),
		MIMEType: mimeType,
		State:    state,
	}, nil
}

func (f *FakeService) FileState(ctx context.Context, name string) (FileHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PollCalls++
	handle := FileHandle{Name: name, URI: "https://fake.upstream/" + name, MIMEType: "video/mp4"}
	if f.FailState != "" {
		handle.State = StateFailed
		handle.Error = f.FailState
		return handle, nil
	}
	if f.PollCalls >= f.PollsUntilActive {
		handle.State = StateActive
	} else {
		handle.State = StateProcessing
	}
	return handle, nil
}

func (f *FakeService) Generate(ctx context.Context, model, prompt string, file FileHandle, cfg GenConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GenerateCalls++
	if len(f.GenerateErrs) > 0 {
		err := f.GenerateErrs[0]
		f.GenerateErrs = f.GenerateErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if f.GenerateText == "" {
		return "fake analysis", nil
	}
	return f.GenerateText, nil
}

func (f *FakeService) DeleteFile(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls++
	f.Deleted = append(f.Deleted, name)
	return nil
}

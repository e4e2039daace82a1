package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"longaudio/task"
)

type call struct {
	method   string
	chatID   string
	text     string
	filename string
	content  string
}

type fakeBot struct {
	mu     sync.Mutex
	calls  []call
	failOn string
}

func (b *fakeBot) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]
		assert.Equal(t, "/botTOKEN/"+method, r.URL.Path)

		c := call{method: method}
		switch method {
		case "sendMessage":
			var body struct {
				ChatID int64  `json:"chat_id"`
				Text   string `json:"text"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			c.chatID = strconv.FormatInt(body.ChatID, 10)
			c.text = body.Text
		case "sendDocument":
			assert.NoError(t, r.ParseMultipartForm(1<<20))
			c.chatID = r.FormValue("chat_id")
			c.text = r.FormValue("caption")
			if f, hdr, err := r.FormFile("document"); assert.NoError(t, err) {
				data, _ := io.ReadAll(f)
				c.filename, c.content = hdr.Filename, string(data)
			}
		}

		b.mu.Lock()
		b.calls = append(b.calls, c)
		b.mu.Unlock()

		if method == b.failOn {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"ok":false,"description":"Bad Request: chat not found"}`)
			return
		}
		io.WriteString(w, `{"ok":true,"result":{}}`)
	}
}

func newTestNotifier(t *testing.T, bot *fakeBot) *TelegramNotifier {
	srv := httptest.NewServer(bot.handler(t))
	t.Cleanup(srv.Close)
	n := NewTelegramNotifier("TOKEN", 5*time.Second)
	n.baseURL = srv.URL
	return n
}

func completedTask(t *testing.T) *task.Task {
	dir := t.TempDir()
	transcript := filepath.Join(dir, "42_lecture_transcript.txt")
	audio := filepath.Join(dir, "lecture_enhanced.wav")
	require.NoError(t, os.WriteFile(transcript, []byte("hello world"), 0o644))
	require.NoError(t, os.WriteFile(audio, []byte("RIFF"), 0o644))
	return &task.Task{
		ID:          "42_1700000000000",
		SubmitterID: 42,
		DisplayName: "lecture.ogg",
		Status:      task.StatusCompleted,
		Result:      task.Result{TranscriptPath: transcript, EnhancedAudioPath: audio},
	}
}

func TestTelegramTaskCompleted(t *testing.T) {
	bot := &fakeBot{}
	n := newTestNotifier(t, bot)

	require.NoError(t, n.TaskCompleted(context.Background(), completedTask(t)))

	require.Len(t, bot.calls, 3)
	assert.Equal(t, "sendMessage", bot.calls[0].method)
	assert.Equal(t, "42", bot.calls[0].chatID)
	assert.Contains(t, bot.calls[0].text, "lecture.ogg")

	assert.Equal(t, "sendDocument", bot.calls[1].method)
	assert.Equal(t, "42", bot.calls[1].chatID)
	assert.Equal(t, "42_lecture_transcript.txt", bot.calls[1].filename)
	assert.Equal(t, "hello world", bot.calls[1].content)

	assert.Equal(t, "lecture_enhanced.wav", bot.calls[2].filename)
}

func TestTelegramEnhancedAudioFailureIsNotFatal(t *testing.T) {
	bot := &fakeBot{}
	n := newTestNotifier(t, bot)
	tk := completedTask(t)
	tk.Result.EnhancedAudioPath = filepath.Join(t.TempDir(), "missing.wav")

	assert.NoError(t, n.TaskCompleted(context.Background(), tk))
	assert.Len(t, bot.calls, 2)
}

func TestTelegramTaskFailed(t *testing.T) {
	bot := &fakeBot{}
	n := newTestNotifier(t, bot)
	tk := &task.Task{ID: "7_1", SubmitterID: 7, DisplayName: "call.mp3"}

	require.NoError(t, n.TaskFailed(context.Background(), tk, "Speech recognition failed: segment 2 of 3"))

	require.Len(t, bot.calls, 1)
	assert.Equal(t, "7", bot.calls[0].chatID)
	assert.Contains(t, bot.calls[0].text, "Speech recognition failed: segment 2 of 3")
	assert.Contains(t, bot.calls[0].text, "call.mp3")
}

func TestTelegramAPIError(t *testing.T) {
	bot := &fakeBot{failOn: "sendMessage"}
	n := newTestNotifier(t, bot)

	err := n.TaskFailed(context.Background(), &task.Task{ID: "1_1", SubmitterID: 1}, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegramTransportErrorHidesToken(t *testing.T) {
	n := NewTelegramNotifier("SECRET", time.Second)
	n.baseURL = "http://127.0.0.1:1"

	err := n.TaskFailed(context.Background(), &task.Task{ID: "1_1", SubmitterID: 1}, "x")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET")
}

type stubNotifier struct {
	completed, failed int
	err               error
}

func (s *stubNotifier) TaskCompleted(context.Context, *task.Task) error {
	s.completed++
	return s.err
}

func (s *stubNotifier) TaskFailed(context.Context, *task.Task, string) error {
	s.failed++
	return s.err
}

func TestMulti(t *testing.T) {
	broken := &stubNotifier{err: errors.New("offline")}
	ok := &stubNotifier{}
	m := Multi{broken, LogNotifier{}, ok}
	tk := &task.Task{ID: "1_1"}

	err := m.TaskCompleted(context.Background(), tk)
	assert.EqualError(t, err, "offline")
	assert.Equal(t, 1, ok.completed, "later notifiers still run")

	err = m.TaskFailed(context.Background(), tk, "summary")
	assert.Error(t, err)
	assert.Equal(t, 1, ok.failed)

	assert.NoError(t, Multi{}.TaskCompleted(context.Background(), tk))
}

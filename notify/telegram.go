package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"longaudio/logging"
	"longaudio/task"
)

const telegramAPI = "https://api.telegram.org"

// Telegram bot documents are capped at 50 MB.
const telegramMaxDocument = 50 << 20

// TelegramNotifier messages the submitter through the Bot API. The
// submitter id is the chat id.
type TelegramNotifier struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewTelegramNotifier(token string, timeout time.Duration) *TelegramNotifier {
	return &TelegramNotifier{
		baseURL: telegramAPI,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type telegramResp struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (n *TelegramNotifier) TaskCompleted(ctx context.Context, t *task.Task) error {
	text := fmt.Sprintf("Transcription ready: %s\nTask: %s", t.DisplayName, t.ID)
	if err := n.sendMessage(ctx, t.SubmitterID, text); err != nil {
		return err
	}

	if err := n.sendDocument(ctx, t.SubmitterID, t.Result.TranscriptPath, "Transcript"); err != nil {
		return err
	}
	if t.Result.EnhancedAudioPath == "" {
		return nil
	}
	// The enhanced audio is a convenience; a long recording may exceed the
	// upload cap.
	if err := n.sendDocument(ctx, t.SubmitterID, t.Result.EnhancedAudioPath, "Enhanced audio"); err != nil {
		logging.Warning(logging.CategoryNotify, "could not deliver enhanced audio", "taskId", t.ID, "error", err)
	}
	return nil
}

func (n *TelegramNotifier) TaskFailed(ctx context.Context, t *task.Task, summary string) error {
	text := fmt.Sprintf("Could not process %s\n%s\nTask: %s", t.DisplayName, summary, t.ID)
	return n.sendMessage(ctx, t.SubmitterID, text)
}

func (n *TelegramNotifier) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", n.baseURL, n.token, method)
}

func (n *TelegramNotifier) sendMessage(ctx context.Context, chatID int64, text string) error {
	payload, err := json.Marshal(map[string]any{"chat_id": chatID, "text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return n.do(req)
}

func (n *TelegramNotifier) sendDocument(ctx context.Context, chatID int64, path, caption string) error {
	if path == "" {
		return errors.New("no document to send")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() > telegramMaxDocument {
		return fmt.Errorf("%s is %d bytes, over the bot upload limit", filepath.Base(path), info.Size())
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return err
	}
	if err := mw.WriteField("caption", caption); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint("sendDocument"), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return n.do(req)
}

func (n *TelegramNotifier) do(req *http.Request) error {
	resp, err := n.client.Do(req)
	if err != nil {
		// url.Error carries the request URL, which embeds the bot token.
		var ue *url.Error
		if errors.As(err, &ue) {
			return fmt.Errorf("telegram %s: %w", ue.Op, ue.Err)
		}
		return err
	}
	defer resp.Body.Close()

	var tr telegramResp
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&tr); err != nil {
		return fmt.Errorf("telegram http %d: decode response: %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || !tr.OK {
		return fmt.Errorf("telegram http %d: %s", resp.StatusCode, tr.Description)
	}
	return nil
}

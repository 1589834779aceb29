package catalogclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"storyhouse/internal/servicetoken"
	"storyhouse/pkg/domain"
)

// ErrNotFound indicates the catalog has no such book.
var ErrNotFound = errors.New("book not found")

// APIError is a non-404 error response from the catalog service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("catalog service error (%d): %s", e.StatusCode, e.Message)
}

// Client talks to the catalog service's internal book endpoint using a
// service-to-service token.
type Client struct {
	baseURL    string
	signer     *servicetoken.Signer
	httpClient *http.Client
}

// New constructs a catalog client.
func New(baseURL string, signer *servicetoken.Signer) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetBook fetches full book metadata, including the chapter storage map that
// the public catalog API withholds.
func (c *Client) GetBook(ctx context.Context, bookID string) (domain.Book, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/books/"+bookID, nil)
	if err != nil {
		return domain.Book{}, err
	}
	token, err := c.signer.Sign("catalog")
	if err != nil {
		return domain.Book{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Book{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return domain.Book{}, ErrNotFound
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return domain.Book{}, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	var payload struct {
		domain.Book
		ChapterMap map[string]string `json:"chapterMap"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.Book{}, fmt.Errorf("decode book: %w", err)
	}
	book := payload.Book
	book.ChapterMap = payload.ChapterMap
	return book, nil
}

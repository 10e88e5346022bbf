package client

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Client talks to a linkdrop server over its HTTP API.
type Client struct {
	BaseURL   string
	AuthToken string // bearer credential, empty when the server runs open

	httpClient *http.Client
}

// New creates a client for the given server base URL.
func New(baseURL, authToken string) *Client {
	return &Client{
		BaseURL:   baseURL,
		AuthToken: authToken,
		// No overall timeout: uploads of large files legitimately run long.
		httpClient: &http.Client{},
	}
}

// UploadResponse mirrors the server's create-share reply.
type UploadResponse struct {
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expires_at"`
	MaxDownloads *int      `json:"max_downloads"`
	UploadID     string    `json:"upload_id"`
	Size         int64     `json:"size"`
}

// ShareInfo mirrors one entry of the server's share listing.
type ShareInfo struct {
	ID            int64     `json:"id"`
	Filename      string    `json:"filename"`
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expires_at"`
	MaxDownloads  *int      `json:"max_downloads"`
	DownloadCount int       `json:"download_count"`
	Size          int64     `json:"size"`
	HasPassword   bool      `json:"has_password"`
	CreatedAt     time.Time `json:"created_at"`
}

// Progress mirrors the server's upload-progress reply.
type Progress struct {
	UploadID string `json:"upload_id"`
	Total    int64  `json:"total"`
	Uploaded int64  `json:"uploaded"`
	Status   string `json:"status"`
}

// UploadOptions are the optional share settings for an upload.
type UploadOptions struct {
	MaxDownloads   int // 0 means unlimited
	ExpirationDays int
	Password       string
}

// Upload streams the file at path to the server and returns the new share.
// The multipart body is produced through a pipe so the file is never
// buffered in memory.
func (c *Client) Upload(path string, opts UploadOptions) (*UploadResponse, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		var err error
		defer func() { pw.CloseWithError(err) }()

		if opts.ExpirationDays > 0 {
			if err = form.WriteField("expiration_days", strconv.Itoa(opts.ExpirationDays)); err != nil {
				return
			}
		}
		if opts.MaxDownloads > 0 {
			if err = form.WriteField("max_downloads", strconv.Itoa(opts.MaxDownloads)); err != nil {
				return
			}
		}
		if opts.Password != "" {
			if err = form.WriteField("password", opts.Password); err != nil {
				return
			}
		}

		var part io.Writer
		part, err = form.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			return
		}
		if _, err = io.Copy(part, file); err != nil {
			return
		}
		err = form.Close()
	}()

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/api/shares", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	c.authorize(req)

	result := &UploadResponse{}
	if err := c.do(req, http.StatusCreated, result); err != nil {
		return nil, err
	}
	return result, nil
}

// List returns the server's active shares.
func (c *Client) List() ([]ShareInfo, error) {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+"/api/shares", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	var shares []ShareInfo
	if err := c.do(req, http.StatusOK, &shares); err != nil {
		return nil, err
	}
	return shares, nil
}

// Delete removes a share by its record ID.
func (c *Client) Delete(id int64) error {
	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/shares/%d", c.BaseURL, id), nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	return c.do(req, http.StatusOK, nil)
}

// Progress queries the state of an in-flight or recent upload.
func (c *Client) Progress(uploadID string) (*Progress, error) {
	req, err := http.NewRequest(http.MethodGet,
		c.BaseURL+"/api/uploads/"+uploadID+"/progress", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	p := &Progress{}
	if err := c.do(req, http.StatusOK, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ShareURL builds the public download link for a token.
func (c *Client) ShareURL(token string) string {
	return c.BaseURL + "/s/" + token
}

func (c *Client) authorize(req *http.Request) {
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
}

func (c *Client) do(req *http.Request, wantStatus int, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		var body struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

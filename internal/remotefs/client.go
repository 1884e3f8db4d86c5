package remotefs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/imroc/req/v3"

	"github.com/driveback/driveback/internal/utils"
	"github.com/driveback/driveback/internal/version"
)

const (
	v1Folders     = "/api/v1/folders"
	v1Files       = "/api/v1/files"
	v1FileUpload  = "/api/v1/files/upload"
	v1Changes     = "/api/v1/changes"
	headerIfMatch = "If-Match"

	clientRetryCount   = 3
	clientRetryBackoff = 1 * time.Second
	clientTimeout      = 5 * time.Minute
)

// Client is the HTTP implementation of Service.
type Client struct {
	client  *req.Client
	baseURL string
}

var _ Service = (*Client)(nil)

// NewClient creates a remote store client for baseURL. The token is attached
// as a bearer credential on every request.
func NewClient(baseURL, token string) (*Client, error) {
	if baseURL == "" {
		return nil, ErrNoServerURL
	}

	client := req.C().
		SetBaseURL(baseURL).
		SetTimeout(clientTimeout).
		SetUserAgent(version.UserAgent()).
		SetCommonRetryCount(clientRetryCount).
		SetCommonRetryFixedInterval(clientRetryBackoff).
		SetCommonErrorResult(&APIError{})

	if token != "" {
		client.SetCommonBearerAuthToken(token)
	}

	return &Client{
		client:  client,
		baseURL: baseURL,
	}, nil
}

func (c *Client) CreateFolder(ctx context.Context, parentID, title string) (*FileResource, error) {
	var res *FileResource
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(&createFolderRequest{ParentID: parentID, Title: title}).
		SetSuccessResult(&res).
		Post(v1Folders)

	if err := handleAPIError(resp, err, "create folder"); err != nil {
		return nil, err
	}

	slog.Debug("remote create folder", "parent", parentID, "title", title, "id", res.ID)
	return res, nil
}

func (c *Client) DeleteResource(ctx context.Context, fileID, etag string) error {
	r := c.client.R().
		SetContext(ctx).
		SetRetryCount(0).
		SetPathParam("id", fileID)
	if etag != "" {
		r.SetHeader(headerIfMatch, etag)
	}

	resp, err := r.Delete(v1Files + "/{id}")
	if err := handleAPIError(resp, err, "delete resource"); err != nil {
		return err
	}

	slog.Debug("remote delete", "id", fileID)
	return nil
}

func (c *Client) UploadNewFile(ctx context.Context, parentID, localPath, title, mimeType string) (*FileResource, error) {
	if !utils.FileExists(localPath) {
		return nil, ErrFileNotFound
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	if mimeType == "" {
		mimeType = utils.DetectContentType(title)
	}

	var res *FileResource
	resp, err := c.client.R().
		SetContext(ctx).
		SetRetryCount(0).
		SetQueryParam("parent_id", parentID).
		SetQueryParam("title", title).
		SetQueryParam("mime_type", mimeType).
		SetFile("file", localPath).
		SetSuccessResult(&res).
		Post(v1FileUpload)

	if err := handleAPIError(resp, err, "upload new file"); err != nil {
		return nil, err
	}

	slog.Debug("remote upload new", "title", title, "size", humanize.Bytes(uint64(info.Size())), "id", res.ID)
	return res, nil
}

func (c *Client) UploadExistingFile(ctx context.Context, fileID, localPath, etag string) (*FileResource, error) {
	if !utils.FileExists(localPath) {
		return nil, ErrFileNotFound
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	r := c.client.R().
		SetContext(ctx).
		SetRetryCount(0).
		SetPathParam("id", fileID).
		SetFile("file", localPath)
	if etag != "" {
		r.SetHeader(headerIfMatch, etag)
	}

	var res *FileResource
	resp, err := r.SetSuccessResult(&res).Put(v1FileUpload + "/{id}")
	if err := handleAPIError(resp, err, "upload existing file"); err != nil {
		return nil, err
	}

	slog.Debug("remote upload existing", "id", fileID, "size", humanize.Bytes(uint64(info.Size())))
	return res, nil
}

func (c *Client) GetFileMetadata(ctx context.Context, fileID string) (*FileResource, error) {
	var res *FileResource
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", fileID).
		SetSuccessResult(&res).
		Get(v1Files + "/{id}")

	if err := handleAPIError(resp, err, "get file metadata"); err != nil {
		return nil, err
	}

	return res, nil
}

func (c *Client) RemoveFromParent(ctx context.Context, parentID, fileID string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetRetryCount(0).
		SetPathParam("parent", parentID).
		SetPathParam("id", fileID).
		Delete(v1Folders + "/{parent}/children/{id}")

	if err := handleAPIError(resp, err, "remove from parent"); err != nil {
		return err
	}

	slog.Debug("remote detach", "parent", parentID, "id", fileID)
	return nil
}

func (c *Client) ListChanges(ctx context.Context, cursor string) (*ChangeList, error) {
	r := c.client.R().
		SetContext(ctx)
	if cursor != "" {
		r.SetQueryParam("cursor", cursor)
	}

	var res *ChangeList
	resp, err := r.SetSuccessResult(&res).Get(v1Changes)
	if err := handleAPIError(resp, err, "list changes"); err != nil {
		return nil, err
	}

	return res, nil
}

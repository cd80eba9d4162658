package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/seedrelay/seedrelay/internal/constants"
	"github.com/seedrelay/seedrelay/internal/fabric"
	"github.com/seedrelay/seedrelay/internal/logging"
	"github.com/seedrelay/seedrelay/internal/models"
	"github.com/seedrelay/seedrelay/internal/store"
)

// Default Google endpoints. Overridable for tests.
const (
	DefaultTokenURL    = "https://oauth2.googleapis.com/token"
	DefaultDriveAPI    = "https://www.googleapis.com/drive/v3"
	DefaultDriveUpload = "https://www.googleapis.com/upload/drive/v3"
)

// Auth failures are non-retryable at the profile level.
var (
	ErrMissingCredentials = errors.New("storage profile has no usable credentials")
	ErrNoRefreshToken     = errors.New("storage profile has no refresh token")
	ErrRefreshFailed      = errors.New("oauth token refresh failed")
)

// GDriveExecutor uploads a job's files to Google Drive using resumable
// sessions checkpointed in the coordination cache.
type GDriveExecutor struct {
	store  *store.Store
	cache  fabric.Cache
	logger *logging.Logger

	// probeClient serves short metadata calls; chunkClient carries the long
	// chunk PUTs whose liveness signal is per-chunk progress.
	probeClient *retryablehttp.Client
	chunkClient *http.Client

	TokenURL   string
	APIBase    string
	UploadBase string
}

// NewGDriveExecutor creates the Drive executor.
func NewGDriveExecutor(st *store.Store, cache fabric.Cache, logger *logging.Logger) *GDriveExecutor {
	probe := retryablehttp.NewClient()
	probe.RetryMax = 3
	probe.HTTPClient.Timeout = time.Minute
	probe.Logger = nil

	return &GDriveExecutor{
		store:       st,
		cache:       cache,
		logger:      logger.Sub("gdrive"),
		probeClient: probe,
		chunkClient: &http.Client{Timeout: 2 * time.Hour},
		TokenURL:    DefaultTokenURL,
		APIBase:     DefaultDriveAPI,
		UploadBase:  DefaultDriveUpload,
	}
}

func (g *GDriveExecutor) Provider() models.ProviderType { return models.ProviderGoogleDrive }
func (g *GDriveExecutor) LockName() string              { return "gdrive" }

// Cleanup has nothing to abort server-side: resumable sessions expire on
// their own and the resume cache survives for the retry run.
func (g *GDriveExecutor) Cleanup(ctx context.Context, job *models.UserJob) {}

// Upload transfers all eligible files into a per-job Drive folder tree.
func (g *GDriveExecutor) Upload(ctx context.Context, job *models.UserJob, files []LocalFile, reporter *Reporter) error {
	token, err := g.refreshAccessToken(ctx, job.StorageProfile)
	if err != nil {
		if errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrNoRefreshToken) || errors.Is(err, ErrRefreshFailed) {
			if mErr := g.store.MarkProfileNeedsReauth(ctx, job.StorageProfileID); mErr != nil {
				g.logger.Warn().Uint("profile_id", job.StorageProfileID).Err(mErr).Msg("Failed to flag profile for re-auth")
			}
		}
		return Fatal(err)
	}

	rootID, err := g.ensureRootFolder(ctx, job.ID, token)
	if err != nil {
		return fmt.Errorf("failed to prepare root folder: %w", err)
	}

	folderIDs, err := g.ensureHierarchy(ctx, files, rootID, token)
	if err != nil {
		return fmt.Errorf("failed to prepare folder hierarchy: %w", err)
	}

	for _, f := range files {
		parentID := rootID
		if dir := path.Dir(f.RelPath); dir != "." {
			if id, ok := folderIDs[dir]; ok {
				parentID = id
			}
		}
		if err := g.uploadFile(ctx, job.ID, f, parentID, token, reporter); err != nil {
			return fmt.Errorf("failed to upload %s: %w", f.RelPath, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// refreshAccessToken exchanges the profile's refresh token for a fresh access
// token and persists it back onto the profile.
func (g *GDriveExecutor) refreshAccessToken(ctx context.Context, profile *models.UserStorageProfile) (string, error) {
	var creds models.GDriveCredentials
	if err := json.Unmarshal([]byte(profile.CredentialsJSON), &creds); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingCredentials, err)
	}
	if creds.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}

	form := url.Values{
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
		"refresh_token": {creds.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", g.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.probeClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrRefreshFailed, resp.StatusCode, string(body))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrRefreshFailed)
	}

	expiresAt := time.Now().UTC().Add(time.Duration(tok.ExpiresIn) * time.Second)
	creds.AccessToken = tok.AccessToken
	creds.ExpiresAt = &expiresAt
	if data, err := json.Marshal(creds); err == nil {
		profile.CredentialsJSON = string(data)
		if err := g.store.SaveStorageProfile(ctx, profile); err != nil {
			g.logger.Warn().Uint("profile_id", profile.ID).Err(err).Msg("Failed to persist refreshed token")
		}
	}
	return tok.AccessToken, nil
}

// ---------------------------------------------------------------------------
// Folders
// ---------------------------------------------------------------------------

const folderMimeType = "application/vnd.google-apps.folder"

// ensureRootFolder returns the job's Drive root folder id, creating and
// caching it on first use.
func (g *GDriveExecutor) ensureRootFolder(ctx context.Context, jobID uint, token string) (string, error) {
	key := fabric.RootFolderKey(jobID)
	if id, found, err := g.cache.Get(ctx, key); err == nil && found {
		return id, nil
	}

	name := fmt.Sprintf("Torrent_%d_%s", jobID, time.Now().UTC().Format("20060102_150405"))
	id, err := g.createFolder(ctx, name, "", token)
	if err != nil {
		return "", err
	}
	if err := g.cache.Set(ctx, key, id, constants.CompletedFileTTL); err != nil {
		g.logger.Warn().Uint("job_id", jobID).Err(err).Msg("Failed to cache root folder id")
	}
	return id, nil
}

// ensureHierarchy find-or-creates every distinct parent directory, shallow
// first, returning relativeDir → folderId. A subfolder that cannot be created
// falls back to its parent's id.
func (g *GDriveExecutor) ensureHierarchy(ctx context.Context, files []LocalFile, rootID, token string) (map[string]string, error) {
	dirSet := make(map[string]bool)
	for _, f := range files {
		dir := path.Dir(f.RelPath)
		for dir != "." && dir != "/" && !dirSet[dir] {
			dirSet[dir] = true
			dir = path.Dir(dir)
		}
	}

	dirs := make([]string, 0, len(dirSet))
	for d := range dirSet {
		dirs = append(dirs, d)
	}
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := strings.Count(dirs[i], "/"), strings.Count(dirs[j], "/")
		if di != dj {
			return di < dj
		}
		return dirs[i] < dirs[j]
	})

	ids := make(map[string]string, len(dirs))
	parentOf := func(dir string) string {
		parent := path.Dir(dir)
		if parent == "." || parent == "/" {
			return rootID
		}
		if id, ok := ids[parent]; ok {
			return id
		}
		return rootID
	}

	for _, dir := range dirs {
		parentID := parentOf(dir)
		name := path.Base(dir)

		id, err := g.findByName(ctx, name, parentID, true, token)
		if err != nil {
			return nil, err
		}
		if id == "" {
			id, err = g.createFolder(ctx, name, parentID, token)
			if err != nil {
				// Fall back to the parent so the file still lands somewhere
				// sensible; the retry run can repair the tree.
				g.logger.Warn().Str("dir", dir).Err(err).Msg("Subfolder creation failed, using parent")
				id = parentID
			}
		}
		ids[dir] = id
	}
	return ids, nil
}

// createFolder creates one Drive folder. parentID may be empty for root.
func (g *GDriveExecutor) createFolder(ctx context.Context, name, parentID, token string) (string, error) {
	body := map[string]any{
		"name":     name,
		"mimeType": folderMimeType,
	}
	if parentID != "" {
		body["parents"] = []string{parentID}
	}
	payload, _ := json.Marshal(body)

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", g.APIBase+"/files?fields=id,name", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.probeClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("folder create request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("folder create returned status %d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("folder create response: %w", err)
	}
	return out.ID, nil
}

// findByName queries Drive for an existing item by name and parent.
// Returns "" when absent.
func (g *GDriveExecutor) findByName(ctx context.Context, name, parentID string, folder bool, token string) (string, error) {
	escaped := strings.ReplaceAll(name, `'`, `\'`)
	q := fmt.Sprintf("name='%s' and trashed=false", escaped)
	if folder {
		q += fmt.Sprintf(" and mimeType='%s'", folderMimeType)
	}
	if parentID != "" {
		q += fmt.Sprintf(" and '%s' in parents", parentID)
	}

	u := fmt.Sprintf("%s/files?q=%s&fields=files(id,name)&pageSize=1", g.APIBase, url.QueryEscape(q))
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.probeClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("drive list request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("drive list returned status %d", resp.StatusCode)
	}

	var out struct {
		Files []struct {
			ID string `json:"id"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("drive list response: %w", err)
	}
	if len(out.Files) == 0 {
		return "", nil
	}
	return out.Files[0].ID, nil
}

// ---------------------------------------------------------------------------
// Per-file resumable protocol
// ---------------------------------------------------------------------------

// uploadFile runs the two-level dedup then the resumable transfer for one
// file.
func (g *GDriveExecutor) uploadFile(ctx context.Context, jobID uint, f LocalFile, parentID, token string, reporter *Reporter) error {
	completedKey := fabric.CompletedFileKey(jobID, f.RelPath)
	if _, found, err := g.cache.Get(ctx, completedKey); err == nil && found {
		reporter.FileCompleted(ctx, f.Size)
		return nil
	}

	id, err := g.findByName(ctx, path.Base(f.RelPath), parentID, false, token)
	if err != nil {
		// Proceeding blind here could create a duplicate of a file that is
		// already on Drive.
		return fmt.Errorf("dedup lookup for %s: %w", f.RelPath, err)
	}
	if id != "" {
		g.cacheCompleted(ctx, completedKey, id)
		reporter.FileCompleted(ctx, f.Size)
		return nil
	}

	resumeKey := fabric.ResumeURIKey(jobID, f.RelPath)
	var resumeURI string
	var startByte int64

	if uri, found, err := g.cache.Get(ctx, resumeKey); err == nil && found {
		committed, complete, fileID, invalid, err := g.queryStatus(ctx, uri, f.Size, token)
		switch {
		case err != nil:
			return err
		case invalid:
			g.cache.Delete(ctx, resumeKey)
		case complete:
			g.cache.Delete(ctx, resumeKey)
			g.cacheCompleted(ctx, completedKey, fileID)
			reporter.FileCompleted(ctx, f.Size)
			return nil
		default:
			resumeURI = uri
			startByte = committed
		}
	}

	if resumeURI == "" {
		uri, err := g.initiateResumable(ctx, f, parentID, token)
		if err != nil {
			return err
		}
		resumeURI = uri
		startByte = 0
		if err := g.cache.Set(ctx, resumeKey, uri, constants.ResumeURITTL); err != nil {
			g.logger.Warn().Str("file", f.RelPath).Err(err).Msg("Failed to cache resume URI")
		}
	}

	fileID, err := g.sendChunks(ctx, f, resumeURI, startByte, token, reporter)
	if err != nil {
		// Record what actually landed so the reporter reflects reality.
		if committed, _, _, invalid, qErr := g.queryStatus(ctx, resumeURI, f.Size, token); qErr == nil && !invalid {
			reporter.FileProgress(ctx, committed)
		}
		return err
	}

	g.cache.Delete(ctx, resumeKey)
	g.cacheCompleted(ctx, completedKey, fileID)
	reporter.FileCompleted(ctx, f.Size)
	return nil
}

func (g *GDriveExecutor) cacheCompleted(ctx context.Context, key, fileID string) {
	if err := g.cache.Set(ctx, key, fileID, constants.CompletedFileTTL); err != nil {
		g.logger.Warn().Str("key", key).Err(err).Msg("Failed to cache completed file id")
	}
}

// initiateResumable opens a resumable session and returns its URI.
func (g *GDriveExecutor) initiateResumable(ctx context.Context, f LocalFile, parentID, token string) (string, error) {
	meta := map[string]any{
		"name":    path.Base(f.RelPath),
		"parents": []string{parentID},
	}
	payload, _ := json.Marshal(meta)

	u := g.UploadBase + "/files?uploadType=resumable&fields=id,name"
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Upload-Content-Type", "application/octet-stream")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(f.Size, 10))

	resp, err := g.probeClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("resumable initiate failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("resumable initiate returned status %d", resp.StatusCode)
	}

	uri := resp.Header.Get("Location")
	if uri == "" {
		return "", fmt.Errorf("resumable initiate returned no Location header")
	}
	return uri, nil
}

// queryStatus probes a resumable session with an empty bytes */size PUT.
// Returns the next byte offset to send from, completion (with the file id),
// or invalid=true when the session is gone.
func (g *GDriveExecutor) queryStatus(ctx context.Context, resumeURI string, size int64, token string) (committed int64, complete bool, fileID string, invalid bool, err error) {
	req, err := http.NewRequestWithContext(ctx, "PUT", resumeURI, nil)
	if err != nil {
		return 0, false, "", false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))

	resp, err := g.chunkClient.Do(req)
	if err != nil {
		return 0, false, "", false, fmt.Errorf("status query failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == 200 || resp.StatusCode == 201:
		var out struct {
			ID string `json:"id"`
		}
		json.NewDecoder(resp.Body).Decode(&out)
		return size, true, out.ID, false, nil
	case resp.StatusCode == 308:
		// Range: bytes=0-N means N+1 bytes are committed. No Range header
		// means nothing has landed yet.
		rangeHeader := resp.Header.Get("Range")
		if rangeHeader == "" {
			return 0, false, "", false, nil
		}
		parts := strings.Split(rangeHeader, "-")
		if len(parts) != 2 {
			return 0, false, "", true, nil
		}
		last, parseErr := strconv.ParseInt(parts[1], 10, 64)
		if parseErr != nil {
			return 0, false, "", true, nil
		}
		return last + 1, false, "", false, nil
	case resp.StatusCode == 404 || resp.StatusCode == 410:
		return 0, false, "", true, nil
	default:
		return 0, false, "", true, nil
	}
}

// sendChunks streams the file from startByte in aligned chunks. Returns the
// Drive file id once the server reports completion.
func (g *GDriveExecutor) sendChunks(ctx context.Context, f LocalFile, resumeURI string, startByte int64, token string, reporter *Reporter) (string, error) {
	file, err := os.Open(f.AbsPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", f.AbsPath, err)
	}
	defer file.Close()

	if startByte > 0 {
		if _, err := file.Seek(startByte, io.SeekStart); err != nil {
			return "", fmt.Errorf("failed to seek to resume offset: %w", err)
		}
	}

	buf := make([]byte, constants.ChunkSize)
	offset := startByte

	for offset < f.Size {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		want := int64(len(buf))
		if remaining := f.Size - offset; remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(file, buf[:want])
		if err != nil {
			return "", fmt.Errorf("short read at offset %d (got %d, want %d): %w", offset, n, want, err)
		}

		end := offset + want - 1
		status, fileID, err := g.putChunk(ctx, resumeURI, buf[:want], offset, end, f.Size, token)
		if err != nil {
			return "", err
		}

		switch status {
		case 200, 201:
			reporter.FileProgress(ctx, f.Size)
			return fileID, nil
		case 308:
			offset = end + 1
			reporter.FileProgress(ctx, offset)
		default:
			return "", fmt.Errorf("chunk %d-%d returned unexpected status %d", offset, end, status)
		}
	}

	// All bytes sent but the server kept answering 308: finalize with an
	// empty bytes */total PUT to obtain the file id.
	committed, complete, fileID, invalid, err := g.queryStatus(ctx, resumeURI, f.Size, token)
	if err != nil {
		return "", err
	}
	if complete {
		return fileID, nil
	}
	if invalid {
		return "", fmt.Errorf("resumable session vanished after final chunk")
	}
	return "", fmt.Errorf("resumable session stalled at byte %d of %d", committed, f.Size)
}

// putChunk PUTs one Content-Range chunk and returns the response status plus
// the file id on 200/201.
func (g *GDriveExecutor) putChunk(ctx context.Context, resumeURI string, data []byte, start, end, total int64, token string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, "PUT", resumeURI, bytes.NewReader(data))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	req.ContentLength = int64(len(data))

	resp, err := g.chunkClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("chunk PUT failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 200 || resp.StatusCode == 201 {
		var out struct {
			ID string `json:"id"`
		}
		json.NewDecoder(resp.Body).Decode(&out)
		return resp.StatusCode, out.ID, nil
	}
	return resp.StatusCode, "", nil
}

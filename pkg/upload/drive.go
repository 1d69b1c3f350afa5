package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/gitnasr/torreclou/pkg/config"
	"github.com/gitnasr/torreclou/pkg/statusengine"
	"github.com/gitnasr/torreclou/pkg/torreerr"
	"github.com/gitnasr/torreclou/pkg/types"
)

// driveCredentials is the shape of StorageProfile.CredentialsJSON for
// a Google Drive profile.
type driveCredentials struct {
	RefreshToken string `json:"refreshToken"`
}

// driveSession is the per-job working state built once in Validate
// and reused by every later call against the same job.
type driveSession struct {
	svc        *drive.Service
	httpClient *http.Client
	rootFolder string
	folderIDs  map[string]string // relativeDir ("" for root) -> folder id
}

// driveUpload tracks one in-flight resumable session's total size and
// how many bytes have been acknowledged so far, keyed by the session
// URI the stage treats as an opaque uploadID.
type driveUpload struct {
	totalSize int64
	sent      int64
}

// DriveProvider is the Google Drive Upload Stage transport. The
// generated drive/v3 client has no per-part control over a resumable
// session, so part upload talks to Google's documented resumable
// protocol directly over the oauth2-minted HTTP client, the same way
// the teacher reaches past a high-level helper when it doesn't expose
// what's needed.
type DriveProvider struct {
	oauthCfg *oauth2.Config
	cfg      config.Config
	engine   *statusengine.Engine

	mu       sync.Mutex
	sessions map[int64]*driveSession
	uploads  map[string]*driveUpload
}

func NewDriveProvider(cfg config.Config, engine *statusengine.Engine) *DriveProvider {
	return &DriveProvider{
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.GoogleOAuthClientID,
			ClientSecret: cfg.GoogleOAuthClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{drive.DriveScope},
		},
		cfg:      cfg,
		engine:   engine,
		sessions: make(map[int64]*driveSession),
		uploads:  make(map[string]*driveUpload),
	}
}

func (p *DriveProvider) Name() string { return "googledrive" }

func (p *DriveProvider) LeaseKey(jobID int64) string {
	return fmt.Sprintf("gdrive:lock:%d", jobID)
}

// Validate exchanges the profile's refresh token for an authorized
// client and confirms it works with a lightweight About.Get call
// (spec.md §4.8 step 4's "OAuth refresh-token grant with bookkeeping
// for expiry").
func (p *DriveProvider) Validate(ctx context.Context, job *types.Job, profile *types.StorageProfile) error {
	if profile.Provider != types.ProviderGoogleDrive {
		return torreerr.New(torreerr.InvalidProfile, "storage profile is not a Google Drive profile")
	}
	var creds driveCredentials
	if err := json.Unmarshal(profile.CredentialsJSON, &creds); err != nil {
		return torreerr.Wrap(torreerr.InvalidCredentialsJSON, "failed to parse drive credentials", err)
	}
	if creds.RefreshToken == "" {
		return torreerr.New(torreerr.NoRefreshToken, "profile has no refresh token")
	}

	ts := p.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	httpClient := oauth2.NewClient(ctx, ts)

	svc, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return torreerr.Wrap(torreerr.TokenExchangeFailed, "failed to build drive client", err)
	}
	if _, err := svc.About.Get().Fields("user").Context(ctx).Do(); err != nil {
		return torreerr.Wrap(torreerr.RefreshFailed, "refresh token rejected by drive", err)
	}

	p.mu.Lock()
	p.sessions[job.ID] = &driveSession{svc: svc, httpClient: httpClient, folderIDs: map[string]string{}}
	p.mu.Unlock()
	return nil
}

func (p *DriveProvider) session(jobID int64) (*driveSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[jobID]
	if !ok {
		return nil, torreerr.New(torreerr.Unauthorized, "drive session not initialized; Validate must run first")
	}
	return s, nil
}

func (p *DriveProvider) sessionByRoot(root string) (*driveSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if s.rootFolder == root {
			return s, nil
		}
	}
	return nil, torreerr.New(torreerr.Unauthorized, "no drive session for root "+root)
}

// RemoteRoot finds or creates the root folder named
// Torrent_<jobId>_<yyyyMMdd_HHmmss> (spec.md §4.8's "Folder hierarchy
// (Drive)").
func (p *DriveProvider) RemoteRoot(ctx context.Context, job *types.Job) (string, error) {
	s, err := p.session(job.ID)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("Torrent_%d_%s", job.ID, time.Now().Format("20060102_150405"))
	id, err := findOrCreateFolder(ctx, s.svc, name, "")
	if err != nil {
		return "", err
	}
	s.rootFolder = id
	s.folderIDs[""] = id
	return id, nil
}

// folderFor resolves the folder id for relDir (a "/"-joined relative
// directory, "" for the root), creating parents first as needed.
func (p *DriveProvider) folderFor(ctx context.Context, s *driveSession, relDir string) (string, error) {
	if relDir == "" || relDir == "." {
		return s.rootFolder, nil
	}
	if id, ok := s.folderIDs[relDir]; ok {
		return id, nil
	}
	parent, err := p.folderFor(ctx, s, path.Dir(relDir))
	if err != nil {
		return "", err
	}
	id, err := findOrCreateFolder(ctx, s.svc, path.Base(relDir), parent)
	if err != nil {
		return "", err
	}
	s.folderIDs[relDir] = id
	return id, nil
}

func findOrCreateFolder(ctx context.Context, svc *drive.Service, name, parentID string) (string, error) {
	q := fmt.Sprintf("mimeType='application/vnd.google-apps.folder' and name='%s' and trashed=false", escapeQuery(name))
	if parentID != "" {
		q += fmt.Sprintf(" and '%s' in parents", parentID)
	}
	res, err := svc.Files.List().Q(q).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("list folders: %w", err)
	}
	if len(res.Files) > 0 {
		return res.Files[0].Id, nil
	}

	f := &drive.File{
		Name:     name,
		MimeType: "application/vnd.google-apps.folder",
	}
	if parentID != "" {
		f.Parents = []string{parentID}
	}
	created, err := svc.Files.Create(f).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create folder %s: %w", name, err)
	}
	return created.Id, nil
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}

func (p *DriveProvider) FindRemote(ctx context.Context, root, relPath string) (bool, error) {
	s, err := p.sessionByRoot(root)
	if err != nil {
		return false, err
	}
	dir, base := path.Split(relPath)
	parent, err := p.folderFor(ctx, s, strings.TrimSuffix(dir, "/"))
	if err != nil {
		return false, err
	}
	q := fmt.Sprintf("name='%s' and trashed=false and '%s' in parents", escapeQuery(base), parent)
	res, err := s.svc.Files.List().Q(q).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return false, fmt.Errorf("find remote file %s: %w", relPath, err)
	}
	return len(res.Files) > 0, nil
}

// InitResumable opens a resumable-upload session against Google's
// documented upload endpoint, returning the session URI as the
// opaque uploadID.
func (p *DriveProvider) InitResumable(ctx context.Context, root, relPath string, size int64) (string, error) {
	s, err := p.sessionByRoot(root)
	if err != nil {
		return "", err
	}
	dir, base := path.Split(relPath)
	parent, err := p.folderFor(ctx, s, strings.TrimSuffix(dir, "/"))
	if err != nil {
		return "", err
	}

	metadata, _ := json.Marshal(map[string]interface{}{
		"name":    base,
		"parents": []string{parent},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://www.googleapis.com/upload/drive/v3/files?uploadType=resumable",
		strings.NewReader(string(metadata)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))

	httpResp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("open resumable session: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return "", fmt.Errorf("open resumable session: status %d: %s", httpResp.StatusCode, string(body))
	}

	uploadID := httpResp.Header.Get("Location")
	p.mu.Lock()
	p.uploads[uploadID] = &driveUpload{totalSize: size}
	p.mu.Unlock()
	return uploadID, nil
}

// UploadPart PUTs one chunk of the resumable session at its
// sequential byte offset, using Content-Range per Google's protocol.
// A 308 response means more chunks remain; 200/201 means the file is
// fully received and the session is done.
func (p *DriveProvider) UploadPart(ctx context.Context, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	p.mu.Lock()
	up, ok := p.uploads[uploadID]
	p.mu.Unlock()
	if !ok {
		return "", torreerr.New(torreerr.ReadError, "unknown drive resumable session")
	}

	start := up.sent
	end := start + size - 1

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadID, r)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, up.totalSize))

	s, err := p.sessionForUpload(uploadID)
	if err != nil {
		return "", err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload chunk: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, 308: // 308 Resume Incomplete
		p.mu.Lock()
		up.sent = end + 1
		p.mu.Unlock()
		return strconv.FormatInt(end, 10), nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload chunk: status %d: %s", resp.StatusCode, string(body))
	}
}

func (p *DriveProvider) sessionForUpload(uploadID string) (*driveSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if s.httpClient != nil {
			return s, nil // any authorized session's client works; the
			// session URI itself already scopes the request.
		}
	}
	return nil, torreerr.New(torreerr.Unauthorized, "no drive session available for upload "+uploadID)
}

// CompleteResumable is a no-op: Drive's resumable protocol finalizes
// the file on the last chunk's 200/201 response, not a separate call.
func (p *DriveProvider) CompleteResumable(ctx context.Context, uploadID, root, relPath string, parts []Part) error {
	p.mu.Lock()
	delete(p.uploads, uploadID)
	p.mu.Unlock()
	return nil
}

func (p *DriveProvider) OnAllFilesUploaded(ctx context.Context, job *types.Job) error {
	p.mu.Lock()
	delete(p.sessions, job.ID)
	p.mu.Unlock()
	return p.engine.ApplyJob(ctx, job.ID, types.JobCompleted, types.SourceWorker, "", nil)
}

func (p *DriveProvider) FailureStatus() types.JobStatus {
	return types.JobGoogleDriveFailed
}

// Client for the blob handler that fronts the weight store. The handler
// issues pre-signed URLs; the actual file bytes move over plain GET/PUT.

package agg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// aggregatorBankID is the bank identity used when uploading the final model.
const aggregatorBankID = "aggregator"

// BlobClient downloads participant models and uploads aggregated ones.
type BlobClient struct {
	handlerURL string
	modelDir   string
	hc         *http.Client
}

// NewBlobClient creates a client for the handler at handlerURL. Downloaded
// files land under modelDir/<round>/<participant>.weights.
func NewBlobClient(handlerURL, modelDir string) *BlobClient {
	return &BlobClient{
		handlerURL: handlerURL,
		modelDir:   modelDir,
		hc:         &http.Client{Timeout: 2 * time.Minute},
	}
}

// Download fetches one participant's weight file for a round and returns the
// local path it was written to.
func (bc *BlobClient) Download(ctx context.Context, roundID, participantID string) (string, error) {
	logrus.Infof("📥 [AGGREGATOR] Requesting download URL for %s in round %s...", participantID, roundID)

	var ticket struct {
		DownloadURL string `json:"downloadUrl"`
	}
	if err := bc.postJSON(ctx, "/download", map[string]string{"roundId": roundID, "bankId": participantID}, &ticket); err != nil {
		return "", err
	}

	localPath := filepath.Join(bc.modelDir, roundID, participantID+".weights")
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", fmt.Errorf("blob: create %s: %w", filepath.Dir(localPath), err)
	}

	logrus.Infof("📥 [AGGREGATOR] Downloading model from %s", ticket.DownloadURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ticket.DownloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("blob: build download request: %w", err)
	}
	resp, err := bc.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("blob: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("blob: download: status %d: %s", resp.StatusCode, string(msg))
	}

	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("blob: create %s: %w", localPath, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("blob: write %s: %w", localPath, err)
	}

	logrus.Infof("✅ [AGGREGATOR] Model downloaded and saved: %s", localPath)
	return localPath, nil
}

// Upload pushes the aggregated model file for a round and returns the object
// path under which the store filed it.
func (bc *BlobClient) Upload(ctx context.Context, localPath, roundID string) (string, error) {
	logrus.Infof("📤 [AGGREGATOR] Requesting upload URL for final model (round %s)...", roundID)

	var ticket struct {
		UploadURL  string `json:"uploadUrl"`
		ObjectPath string `json:"objectPath"`
	}
	if err := bc.postJSON(ctx, "/upload", map[string]string{"roundId": roundID, "bankId": aggregatorBankID}, &ticket); err != nil {
		return "", err
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("blob: open %s: %w", localPath, err)
	}
	defer file.Close()

	logrus.Infof("📤 [AGGREGATOR] Uploading aggregated model...")
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, ticket.UploadURL, file)
	if err != nil {
		return "", fmt.Errorf("blob: build upload request: %w", err)
	}
	if info, err := file.Stat(); err == nil {
		req.ContentLength = info.Size()
	}
	resp, err := bc.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("blob: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("blob: upload: status %d: %s", resp.StatusCode, string(msg))
	}

	logrus.Infof("✅ [AGGREGATOR] Aggregated model successfully uploaded")
	return ticket.ObjectPath, nil
}

func (bc *BlobClient) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("blob: marshal %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bc.handlerURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("blob: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := bc.hc.Do(req)
	if err != nil {
		return fmt.Errorf("blob: post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("blob: post %s: status %d: %s", path, resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("blob: decode %s response: %w", path, err)
	}
	return nil
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dicomvault/dicomvault/pkg/chunker"
)

const (
	maxRetries     = 3
	retryBaseDelay = time.Second
	batchSize      = 3
	batchPause     = 100 * time.Millisecond
	pollInterval   = 2 * time.Second
)

type options struct {
	server  string
	patient string
	token   string
	timeout time.Duration
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "dicomvault-upload <file>...",
		Short: "Upload DICOM archives to a dicomvault server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.patient == "" {
				return fmt.Errorf("--patient is required")
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			up := &uploader{
				opts:   opts,
				client: &http.Client{Timeout: opts.timeout},
				logger: logger,
			}
			return up.run(cmd.Context(), args)
		},
	}

	rootCmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "Server base URL")
	rootCmd.Flags().StringVar(&opts.patient, "patient", "", "Destination folder key, {patientId}_{episodeId}")
	rootCmd.Flags().StringVar(&opts.token, "token", "", "Bearer token")
	rootCmd.Flags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "Per-request timeout")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type uploader struct {
	opts   *options
	client *http.Client
	logger zerolog.Logger
}

func (u *uploader) run(ctx context.Context, files []string) error {
	for _, path := range files {
		sessionID, err := u.uploadFile(ctx, path)
		if err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
		if err := u.finalize(ctx, sessionID); err != nil {
			return fmt.Errorf("finalize %s: %w", path, err)
		}
		if err := u.pollStatus(ctx, sessionID); err != nil {
			return fmt.Errorf("extraction of %s: %w", path, err)
		}
	}
	return nil
}

// uploadFile pushes one file chunk by chunk and returns the session id.
// Archives go up sequentially; anything else is uploaded in small concurrent
// batches with a short pause between batches.
func (u *uploader) uploadFile(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	hash, err := chunker.HashFile(path)
	if err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	chunks, err := chunker.Plan(info.Size(), chunker.DefaultChunkSize)
	if err != nil {
		return "", err
	}

	sessionID := uuid.NewString()
	filename := filepath.Base(path)
	u.logger.Info().
		Str("file", filename).
		Str("session_id", sessionID).
		Int("chunks", len(chunks)).
		Msg("starting upload")

	if strings.EqualFold(filepath.Ext(filename), ".zip") {
		for _, c := range chunks {
			if err := u.sendChunkWithRetry(ctx, path, sessionID, filename, hash, c, len(chunks)); err != nil {
				return "", err
			}
			u.logger.Info().Int("chunk", c.Index).Int("of", len(chunks)).Msg("chunk uploaded")
		}
		return sessionID, nil
	}

	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		var wg sync.WaitGroup
		errs := make([]error, len(batch))
		for i, c := range batch {
			wg.Add(1)
			go func(i int, c chunker.Chunk) {
				defer wg.Done()
				errs[i] = u.sendChunkWithRetry(ctx, path, sessionID, filename, hash, c, len(chunks))
			}(i, c)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return "", err
			}
		}
		u.logger.Info().Int("uploaded", end).Int("of", len(chunks)).Msg("batch uploaded")

		// Brief pause so batches do not saturate the server.
		if end < len(chunks) {
			time.Sleep(batchPause)
		}
	}
	return sessionID, nil
}

func (u *uploader) sendChunkWithRetry(ctx context.Context, path, sessionID, filename, hash string, c chunker.Chunk, total int) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		lastErr = u.sendChunk(ctx, path, sessionID, filename, hash, c, total)
		if lastErr == nil {
			return nil
		}
		u.logger.Warn().
			Err(lastErr).
			Int("chunk", c.Index).
			Int("attempt", attempt).
			Msg("chunk upload failed")
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBaseDelay * time.Duration(attempt)):
			}
		}
	}
	return fmt.Errorf("chunk %d failed after %d attempts: %w", c.Index, maxRetries, lastErr)
}

func (u *uploader) sendChunk(ctx context.Context, path, sessionID, filename, hash string, c chunker.Chunk, total int) error {
	data, err := chunker.ReadChunk(path, c)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"session_id":   sessionID,
		"patient_id":   u.opts.patient,
		"filename":     filename,
		"file_hash":    hash,
		"chunk_index":  strconv.Itoa(c.Index),
		"total_chunks": strconv.Itoa(total),
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return err
		}
	}
	fw, err := w.CreateFormFile("chunk", fmt.Sprintf("chunk_%d", c.Index))
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.opts.server+"/api/v1/uploads/chunk", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	u.authorize(req)

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (u *uploader) finalize(ctx context.Context, sessionID string) error {
	payload, _ := json.Marshal(map[string]string{"session_id": sessionID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		u.opts.server+"/api/v1/uploads/finalize", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	u.authorize(req)

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	u.logger.Info().Str("session_id", sessionID).Msg("extraction started")
	return nil
}

type statusResponse struct {
	Stage               string `json:"stage"`
	Message             string `json:"message"`
	FilesProcessed      int    `json:"files_processed"`
	TotalFilesInZip     int    `json:"total_files_in_zip"`
	DicomFilesExtracted int    `json:"dicom_files_extracted"`
	ExtractionComplete  bool   `json:"extraction_complete"`
	Success             bool   `json:"success"`
	Error               string `json:"error"`
}

// pollStatus watches the extraction until it reaches a terminal state.
func (u *uploader) pollStatus(ctx context.Context, sessionID string) error {
	url := u.opts.server + "/api/v1/uploads/" + sessionID + "/status"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		u.authorize(req)

		resp, err := u.client.Do(req)
		if err != nil {
			u.logger.Warn().Err(err).Msg("status poll failed")
			continue
		}
		var status statusResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || decodeErr != nil {
			u.logger.Warn().Int("status", resp.StatusCode).Msg("status poll failed")
			continue
		}

		u.logger.Info().
			Str("stage", status.Stage).
			Int("processed", status.FilesProcessed).
			Int("total", status.TotalFilesInZip).
			Int("extracted", status.DicomFilesExtracted).
			Msg(status.Message)

		if status.ExtractionComplete {
			if !status.Success {
				return fmt.Errorf("extraction failed: %s", status.Error)
			}
			u.logger.Info().Str("session_id", sessionID).Msg("extraction complete")
			return nil
		}
	}
}

func (u *uploader) authorize(req *http.Request) {
	if u.opts.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.opts.token)
	}
}

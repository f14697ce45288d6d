// Supervision of the external downloader. Iris performs no media transfer
// of its own; every acquisition is delegated to a yt-dlp subprocess whose
// output is streamed in to the run log and whose exit status decides the
// fate of the job.
package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/hbomb79/Iris/internal/format"
	"github.com/hbomb79/Iris/pkg/logger"
)

var log = logger.Get("Downloader")

const outputTailLimit = 8192

type Config struct {
	// Path to the downloader binary. Defaults to yt-dlp on PATH.
	BinaryPath string

	// Optional Netscape cookie jar handed to the downloader.
	CookiesPath string

	// Filename template used when a job carries no title of its own.
	OutputTemplate string

	// Fragment download parallelism inside a single job. This does not
	// parallelise jobs, it only splits one transfer.
	ConcurrentFragments int
}

type Client struct {
	config Config
}

// Listing is the format inventory scraped from a source URL, in the order
// the source advertises the streams.
type Listing struct {
	Title      string
	Candidates []format.Candidate
}

type DownloadOptions struct {
	SourceURL  string
	FormatSpec string
	WorkDir    string

	// Title, when present, overrides the configured output template so
	// download artifacts carry a deterministic name.
	Title string

	// LogWriter receives every raw output line from the subprocess.
	LogWriter io.Writer
}

type DownloadResult struct {
	Path      string
	SizeBytes int64
	Command   []string
}

// ExecError is raised when the downloader subprocess exits abnormally. It
// carries a bounded tail of the process output for diagnostics.
type ExecError struct {
	ExitCode int
	Tail     string
	cause    error
}

func (err *ExecError) Error() string {
	return fmt.Sprintf("downloader exited with status %d: %s", err.ExitCode, strings.TrimSpace(err.Tail))
}

func (err *ExecError) Unwrap() error { return err.cause }

func New(config Config) *Client {
	if config.BinaryPath == "" {
		config.BinaryPath = "yt-dlp"
	}
	if config.OutputTemplate == "" {
		config.OutputTemplate = "%(title)s.%(ext)s"
	}
	if config.ConcurrentFragments <= 0 {
		config.ConcurrentFragments = 4
	}

	return &Client{config: config}
}

// ListFormats scrapes the stream inventory for the URL given without
// downloading anything.
func (client *Client) ListFormats(ctx context.Context, sourceURL string) (Listing, error) {
	args := []string{"-J", "--no-download", "--no-playlist"}
	args = client.appendCookieArgs(args)
	args = append(args, sourceURL)

	cmd := exec.CommandContext(ctx, client.config.BinaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("Scraping format listing for %s\n", sourceURL)
	if err := cmd.Run(); err != nil {
		return Listing{}, &ExecError{ExitCode: exitCode(err), Tail: boundedTail(stderr.String()), cause: err}
	}

	listing, err := ParseListing(stdout.Bytes())
	if err != nil {
		return Listing{}, fmt.Errorf("failed to parse format listing for %s: %w", sourceURL, err)
	}

	return listing, nil
}

// Download runs the downloader for the options given, blocking until the
// subprocess exits. Transfers are resumable: partial artifacts in the work
// directory are continued rather than restarted.
func (client *Client) Download(ctx context.Context, opts DownloadOptions) (DownloadResult, error) {
	args := client.DownloadArgs(opts)
	result := DownloadResult{Command: append([]string{client.config.BinaryPath}, args...)}

	cmd := exec.CommandContext(ctx, client.config.BinaryPath, args...)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return result, fmt.Errorf("failed to pipe downloader stdout: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return result, fmt.Errorf("failed to pipe downloader stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return result, fmt.Errorf("failed to start downloader: %w", err)
	}

	var mu sync.Mutex
	var tail strings.Builder
	var announced string
	var wg sync.WaitGroup

	consume := func(reader io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()

			mu.Lock()
			appendBounded(&tail, line)
			if destination, ok := DestinationFromLine(line); ok {
				announced = destination
			}
			mu.Unlock()

			if opts.LogWriter != nil {
				_, _ = io.WriteString(opts.LogWriter, line+"\n")
			}
		}
	}

	wg.Add(2)
	go consume(stdoutPipe)
	go consume(stderrPipe)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		mu.Lock()
		defer mu.Unlock()
		return result, &ExecError{ExitCode: exitCode(err), Tail: tail.String(), cause: err}
	}

	mu.Lock()
	announcedPath := announced
	mu.Unlock()

	produced, err := LocateProduced(opts.WorkDir, announcedPath, opts.Title)
	if err != nil {
		return result, err
	}

	info, err := os.Stat(produced)
	if err != nil {
		return result, fmt.Errorf("downloader reported success but artifact stat failed: %w", err)
	}

	result.Path = produced
	result.SizeBytes = info.Size()
	return result, nil
}

// DownloadArgs assembles the full downloader argument list for the options
// given. The assembly is deterministic: identical options yield an
// identical invocation.
func (client *Client) DownloadArgs(opts DownloadOptions) []string {
	template := client.config.OutputTemplate
	if opts.Title != "" {
		template = sanitizeTitle(opts.Title) + ".%(ext)s"
	}

	args := []string{
		"--no-playlist",
		"--newline",
		"--no-progress",
		"--restrict-filenames",
		"--continue",
		"-N", fmt.Sprintf("%d", client.config.ConcurrentFragments),
		"-f", opts.FormatSpec,
		"-P", opts.WorkDir,
		"-o", template,
	}
	args = client.appendCookieArgs(args)

	return append(args, opts.SourceURL)
}

func (client *Client) appendCookieArgs(args []string) []string {
	if client.config.CookiesPath != "" {
		return append(args, "--cookies", client.config.CookiesPath)
	}

	return args
}

// DestinationFromLine extracts the artifact path from the downloader's
// progress output, where the line announces one.
func DestinationFromLine(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(trimmed, "[download] Destination: "); ok {
		return rest, true
	}
	if rest, ok := strings.CutPrefix(trimmed, "[Merger] Merging formats into \""); ok {
		return strings.TrimSuffix(rest, "\""), true
	}
	if rest, ok := strings.CutPrefix(trimmed, "[download] "); ok {
		if path, found := strings.CutSuffix(rest, " has already been downloaded"); found {
			return path, true
		}
	}

	return "", false
}

// ParseListing decodes the downloader's single-video JSON dump in to the
// candidate model, preserving the advertised stream order.
func ParseListing(payload []byte) (Listing, error) {
	type wireFormat struct {
		FormatID   string  `json:"format_id"`
		Ext        string  `json:"ext"`
		Height     *int    `json:"height"`
		VCodec     string  `json:"vcodec"`
		ACodec     string  `json:"acodec"`
		FormatNote string  `json:"format_note"`
		ABR        float64 `json:"abr"`
	}
	type wireListing struct {
		Title   string       `json:"title"`
		Formats []wireFormat `json:"formats"`
	}

	var decoded wireListing
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Listing{}, err
	}

	listing := Listing{Title: decoded.Title, Candidates: make([]format.Candidate, 0, len(decoded.Formats))}
	for _, wire := range decoded.Formats {
		hasVideo := wire.VCodec != "" && wire.VCodec != "none"
		hasAudio := wire.ACodec != "" && wire.ACodec != "none"

		switch {
		case hasVideo:
			height := 0
			if wire.Height != nil {
				height = *wire.Height
			}
			listing.Candidates = append(listing.Candidates, format.Candidate{
				ID:           wire.FormatID,
				Kind:         format.Video,
				Height:       height,
				Encoding:     wire.VCodec,
				QualityLabel: wire.FormatNote,
				Extension:    wire.Ext,
			})
		case hasAudio:
			listing.Candidates = append(listing.Candidates, format.Candidate{
				ID:           wire.FormatID,
				Kind:         format.Audio,
				QualityLabel: wire.FormatNote,
				Extension:    wire.Ext,
			})
		}
	}

	return listing, nil
}

// sanitizeTitle strips characters which would corrupt the output template
// or the filesystem path it expands to.
func sanitizeTitle(title string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "%", "", "\"", "", "'", "", ":", "")
	return strings.TrimSpace(replacer.Replace(title))
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return -1
}

func boundedTail(output string) string {
	if len(output) <= outputTailLimit {
		return output
	}

	return output[len(output)-outputTailLimit:]
}

func appendBounded(builder *strings.Builder, line string) {
	if builder.Len() >= outputTailLimit {
		return
	}

	toWrite := line + "\n"
	if remain := outputTailLimit - builder.Len(); len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	builder.WriteString(toWrite)
}

// The downloader emits progress with carriage returns on some platforms;
// treat both CR and LF as line boundaries so no output is lost.
func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}

	return 0, nil, nil
}

// Package screenshot captures a PNG of the project's running dev server with
// a headless browser. It is a best-effort collaborator: any failure results
// in the response simply carrying no screenshot.
package screenshot

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
)

const (
	// portReadyTimeout bounds the wait for the dev server to accept connections.
	portReadyTimeout = 30 * time.Second
	// navigationTimeout bounds the headless-browser navigation and capture.
	navigationTimeout = 15 * time.Second
)

// Common dev-server ports, probed in order.
var candidatePorts = []int{3000, 5173, 8080, 4321, 8000}

// Capturer produces a full-page screenshot for the project under dir.
type Capturer interface {
	Capture(ctx context.Context, dir string) ([]byte, error)
}

// packageJSON is the subset of package.json needed for project detection.
type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

// FindProjectDir locates the front-end project under workDir: workDir itself
// when it holds a package.json with scripts, else the first immediate
// subdirectory that does. Returns "" when nothing is found.
func FindProjectDir(workDir string) string {
	if hasWebProject(workDir) {
		return workDir
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "node_modules" {
			continue
		}
		dir := filepath.Join(workDir, entry.Name())
		if hasWebProject(dir) {
			return dir
		}
	}
	return ""
}

func hasWebProject(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return false
	}

	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false
	}
	return len(pkg.Scripts) > 0
}

// isPortInUse reports whether something is listening on localhost:port.
func isPortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// waitForPort blocks until port accepts connections or the timeout elapses.
func waitForPort(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if isPortInUse(port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("port %d not ready after %v", port, timeout)
}

// detectPort returns the first candidate port with a listener, or 0.
func detectPort() int {
	for _, port := range candidatePorts {
		if isPortInUse(port) {
			return port
		}
	}
	return 0
}

// BrowserCapturer captures screenshots with a local headless Chrome.
type BrowserCapturer struct{}

// NewBrowserCapturer creates the default chromedp-backed capturer.
func NewBrowserCapturer() *BrowserCapturer {
	return &BrowserCapturer{}
}

// Capture probes the candidate dev-server ports on localhost, waits for the
// first one with a listener to be ready, and takes a full-page PNG
// screenshot. The port is not matched to dir; dir only appears in the error
// returned when no listener is found.
func (c *BrowserCapturer) Capture(ctx context.Context, dir string) ([]byte, error) {
	port := detectPort()
	if port == 0 {
		return nil, fmt.Errorf("no dev server detected for %s", dir)
	}

	if err := waitForPort(ctx, port, portReadyTimeout); err != nil {
		return nil, err
	}

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	navCtx, cancel := context.WithTimeout(browserCtx, navigationTimeout)
	defer cancel()

	var buf []byte
	err := chromedp.Run(navCtx,
		chromedp.Navigate(fmt.Sprintf("http://localhost:%d", port)),
		// Quality 100 makes chromedp encode PNG; lower values yield JPEG.
		chromedp.FullScreenshot(&buf, 100),
	)
	if err != nil {
		return nil, fmt.Errorf("screenshot capture failed: %w", err)
	}
	return buf, nil
}

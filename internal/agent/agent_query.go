package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/nestoz/vibecheck-agent/internal/executor"
	"github.com/nestoz/vibecheck-agent/internal/protocol"
	"github.com/nestoz/vibecheck-agent/internal/screenshot"
	"github.com/nestoz/vibecheck-agent/internal/skills"
	"github.com/nestoz/vibecheck-agent/internal/workspace"
)

const (
	// busyMessage is the canned reply for a query that arrives while
	// another is in flight.
	busyMessage = "이전 작업이 아직 실행 중입니다. 잠시 기다려주세요."

	// interruptedMessage is the reply sent by the interrupt handler.
	interruptedMessage = "⏹️ 작업이 중단되었습니다. 다음 메시지를 기다리는 중..."

	// maxImages caps the attachments on one response.
	maxImages = 5
)

// Keywords in the user message that trigger a screenshot attempt. Matching
// is case-insensitive and applies to the user message only.
var screenshotKeywords = []string{
	"screenshot", "preview", "ui",
	"스크린샷", "화면", "미리보기",
}

// handleQuery runs one interactive query under the single-flight slot.
func (a *Agent) handleQuery(q *protocol.Query) {
	if !a.processing.CompareAndSwap(false, true) {
		log.Println("⏳ Query rejected: another task is running")
		a.send(protocol.NewResponse(busyMessage))
		return
	}
	defer func() {
		a.processing.Store(false)
		go a.drainPendingTasks()
	}()

	log.Printf("📝 Query: %s", firstLine(q.Message))

	before := a.snapshotImages()

	req := executor.Request{
		Message:      q.Message,
		Model:        q.Model,
		SystemPrompt: q.SystemPrompt,
		Agents:       q.Agents,
	}
	if q.SkillID != "" {
		req.Skill = skills.Lookup(q.SkillID)
	}

	result, err := a.executor.Execute(a.ctx, req)
	if err != nil {
		if errors.Is(err, executor.ErrAborted) {
			// The interrupt handler already sent its own response.
			return
		}
		log.Printf("❌ Query failed: %v", err)
		a.send(protocol.NewResponse(executor.ErrorPrefix + err.Error()))
		return
	}

	resp := protocol.NewResponse(result.Text)
	resp.CostUSD = result.CostUSD
	resp.NumTurns = result.NumTurns
	resp.Usage = result.Usage
	if images := a.collectImages(q.Message, before, result.Text); len(images) > 0 {
		resp.Images = images
	}
	a.send(resp)
}

// handleInterrupt stops the in-flight query, if any, and reports it.
func (a *Agent) handleInterrupt() {
	if !a.processing.Load() {
		return
	}
	if a.executor.Interrupt() {
		log.Println("⏹️ Query interrupted")
		a.send(protocol.NewResponse(interruptedMessage))
	}
}

// handleTaskFire runs a scheduled task, or queues it when the slot is busy.
func (a *Agent) handleTaskFire(task protocol.ScheduledTask) {
	if !a.processing.CompareAndSwap(false, true) {
		a.pendingMu.Lock()
		a.pendingTasks = append(a.pendingTasks, task)
		n := len(a.pendingTasks)
		a.pendingMu.Unlock()
		log.Printf("⏳ Scheduled task queued (%d waiting): %s", n, firstLine(task.Message))
		return
	}
	a.runScheduledTask(task)
}

// runScheduledTask executes one scheduled task. The caller must hold the
// processing slot; it is released here.
func (a *Agent) runScheduledTask(task protocol.ScheduledTask) {
	defer func() {
		a.processing.Store(false)
		go a.drainPendingTasks()
	}()

	log.Printf("⏰ Running scheduled task [%s]: %s", task.Cron, firstLine(task.Message))

	req := executor.Request{Message: task.Message}
	if task.SkillID != "" {
		req.Skill = skills.Lookup(task.SkillID)
	}

	prefix := "⏰ [" + task.Cron + "] "

	result, err := a.executor.Execute(a.ctx, req)
	if err != nil {
		if errors.Is(err, executor.ErrAborted) {
			return
		}
		log.Printf("❌ Scheduled task failed: %v", err)
		a.send(protocol.NewResponse(prefix + executor.ErrorPrefix + err.Error()))
		return
	}

	a.sched.RecordResult(task.ID, result.Text)
	a.send(protocol.NewResponse(prefix + result.Text))
}

// drainPendingTasks runs at most one queued scheduled task. Each completed
// task schedules the next drain, preserving FIFO order without stampede.
func (a *Agent) drainPendingTasks() {
	a.pendingMu.Lock()
	empty := len(a.pendingTasks) == 0
	a.pendingMu.Unlock()
	if empty {
		return
	}

	if !a.processing.CompareAndSwap(false, true) {
		// Whoever holds the slot will drain on release.
		return
	}

	a.pendingMu.Lock()
	if len(a.pendingTasks) == 0 {
		a.pendingMu.Unlock()
		a.processing.Store(false)
		return
	}
	task := a.pendingTasks[0]
	a.pendingTasks = a.pendingTasks[1:]
	a.pendingMu.Unlock()

	a.runScheduledTask(task)
}

// snapshotImages captures the pre-query image map within the snapshot
// budget. Failures degrade to an empty map.
func (a *Agent) snapshotImages() map[string]time.Time {
	ctx, cancel := context.WithTimeout(a.ctx, snapshotTimeout)
	defer cancel()
	return a.observer.SnapshotImages(ctx)
}

// collectImages assembles response attachments: a screenshot when the user
// asked for one, then images the query created or modified, then image paths
// mentioned in the response text as a fallback. Capped at maxImages.
func (a *Agent) collectImages(userMessage string, before map[string]time.Time, responseText string) []protocol.ImageData {
	var images []protocol.ImageData

	if containsScreenshotKeyword(userMessage) {
		if png := a.captureScreenshot(); png != nil {
			images = append(images, protocol.ImageData{
				Filename: "screenshot.png",
				Data:     base64.StdEncoding.EncodeToString(png),
			})
		}
	}

	changed := workspace.DiffImages(before, a.snapshotImages())
	images = append(images, workspace.EncodeImages(changed, maxImages-len(images))...)

	if len(images) == 0 {
		paths := workspace.ExtractImagePaths(responseText, a.cfg.WorkDir)
		images = workspace.EncodeImages(paths, maxImages)
	}

	return images
}

// captureScreenshot is best-effort: any failure means no screenshot.
func (a *Agent) captureScreenshot() []byte {
	projectDir := screenshot.FindProjectDir(a.cfg.WorkDir)
	if projectDir == "" || a.capturer == nil {
		return nil
	}

	png, err := a.capturer.Capture(a.ctx, projectDir)
	if err != nil {
		log.Printf("⚠️ Screenshot failed: %v", err)
		return nil
	}
	return png
}

func containsScreenshotKeyword(message string) bool {
	lower := strings.ToLower(message)
	for _, keyword := range screenshotKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// firstLine trims a message for log output.
func firstLine(message string) string {
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		message = message[:i]
	}
	if len(message) > 80 {
		message = message[:80]
	}
	return message
}

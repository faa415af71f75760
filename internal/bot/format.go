package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"m3u8-relay/internal/domain"
	"m3u8-relay/internal/sysinfo"
)

func esc(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, s)
}

func code(s string) string {
	return "`" + esc(s) + "`"
}

func bold(s string) string {
	return "*" + esc(s) + "*"
}

func formatSize(size int64) string {
	if size < 0 {
		size = 0
	}
	return humanize.IBytes(uint64(size))
}

// formatUpdate renders the status message of a task. Every milestone replaces the
// previous text of the same chat message.
func formatUpdate(u domain.StatusUpdate) string {
	switch u.Status {
	case domain.TaskStatusQueued:
		return esc("✅ Task queued: ") + code(u.Filename) + "\n" + esc("ID: ") + code(u.TaskID)
	case domain.TaskStatusDownloading:
		return bold("File") + ": " + code(u.Filename) + "\n" +
			bold("Status") + ": " + code(u.Status.Label()) + "\n" +
			esc("ID: ") + code(u.TaskID)
	case domain.TaskStatusUploading:
		return bold("File") + ": " + code(u.Filename) + "\n" +
			bold("Status") + ": " + code(u.Status.Label()) + "\n" +
			bold("Size") + ": " + code(formatSize(u.Size)) + "\n\n" +
			esc("This may take a while, please be patient.")
	case domain.TaskStatusSucceeded:
		return esc("✅ ") + bold("Upload successful!") + "\n\n" +
			bold("File") + ": " + code(u.Filename) + "\n" +
			bold("Size") + ": " + code(formatSize(u.Size)) + "\n" +
			bold("Link") + ": " + esc(u.Link)
	case domain.TaskStatusFailed:
		if u.Detail == domain.ErrUploadFailed.Error() {
			return esc("❌ ") + "*" + esc("Upload failed for task ") + code(u.TaskID) + "*"
		}
		return esc("❌ ") + "*" + esc("Task failed for ") + code(u.Filename) + "*\n\n" + code(u.Detail)
	case domain.TaskStatusCancelled:
		return esc("🚫 ") + "*" + esc("Task ") + code(u.TaskID) + esc(" cancelled") + "*\n" + code(u.Filename)
	}
	return esc(fmt.Sprintf("%s: %s", u.TaskID, u.Status))
}

func formatStatus(tasks []domain.Task, snap *sysinfo.Snapshot, uptime time.Duration) string {
	var b strings.Builder
	if len(tasks) == 0 {
		b.WriteString("_" + esc("No active tasks.") + "_\n")
	} else {
		b.WriteString(bold("Active Tasks:") + "\n")
		running := 0
		for _, task := range tasks {
			if task.Status.IsActive() {
				running++
			}
			b.WriteString(esc("🔹 ") + code("ID: "+task.ID) + esc(" - ") + code(task.Filename) + esc(" - ") + code(task.Status.Label()) + "\n")
		}
		b.WriteString(esc(fmt.Sprintf("Running: %d | Queued: %d", running, len(tasks)-running)) + "\n")
	}
	b.WriteString("\n" + bold("Server Status:") + "\n")
	if snap != nil {
		b.WriteString(esc("CPU: ") + code(fmt.Sprintf("%.1f%%", snap.CPUPercent)) +
			esc(" | RAM: ") + code(fmt.Sprintf("%.1f%%", snap.MemPercent)) +
			esc(" | DISK: ") + code(fmt.Sprintf("%.1f%%", snap.DiskPercent)) + "\n")
	} else {
		b.WriteString(esc("Host statistics unavailable.") + "\n")
	}
	b.WriteString(esc("UPTIME: ") + code(sysinfo.FormatUptime(uptime)))
	return b.String()
}

func formatHistory(records []domain.HistoryRecord) string {
	if len(records) == 0 {
		return "_" + esc("No finished tasks yet.") + "_"
	}
	var b strings.Builder
	b.WriteString(bold("Recent Tasks:") + "\n")
	for _, r := range records {
		b.WriteString(esc("🔹 ") + code(r.TaskID) + esc(" - ") + code(r.Filename) + esc(" - ") + code(r.Status.Label()))
		if r.Size > 0 {
			b.WriteString(esc(" - ") + code(formatSize(r.Size)))
		}
		b.WriteString(esc(" (" + humanize.Time(r.FinishedAt) + ")"))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

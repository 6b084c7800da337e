package swarm

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swarmdev/swarmd/internal/swarm/runtime"
	"github.com/swarmdev/swarmd/internal/swarm/session"
)

// Attachment is one file accompanying a message. Text attachments carry
// Text, everything else carries Data.
type Attachment struct {
	FileName string
	MimeType string
	Text     string
	Data     []byte
}

// IsImage reports whether the attachment should be passed to the model
// as an inline image part.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/") && len(a.Data) > 0
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func safeFileName(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	safe := unsafeFileChars.ReplaceAllString(base, "_")
	if safe == "" || safe == "." || safe == ".." {
		safe = "attachment"
	}
	return safe
}

// stageAttachments converts attachments into prompt sections and image
// parts. Text attachments are inlined; binary attachments are written
// under {dataDir}/attachments/{agentSegment}/{batchId}/ and referenced by
// absolute path; images become inline image inputs.
func (m *Manager) stageAttachments(agentID string, attachments []Attachment) ([]string, []runtime.Image, error) {
	if len(attachments) == 0 {
		return nil, nil, nil
	}

	var sections []string
	var images []runtime.Image
	var batchDir string
	fileIndex := 0

	for _, att := range attachments {
		switch {
		case att.IsImage():
			images = append(images, runtime.Image{
				MimeType: att.MimeType,
				Base64:   base64.StdEncoding.EncodeToString(att.Data),
			})

		case att.Text != "" || len(att.Data) == 0:
			sections = append(sections, fmt.Sprintf("Attached file %q:\n```\n%s\n```",
				safeFileName(att.FileName), att.Text))

		default:
			if batchDir == "" {
				batchDir = filepath.Join(m.opts.DataDir, "attachments",
					session.SanitizeID(agentID), uuid.NewString())
				if err := os.MkdirAll(batchDir, 0755); err != nil {
					return nil, nil, fmt.Errorf("failed to create attachment directory: %w", err)
				}
			}
			fileIndex++
			path := filepath.Join(batchDir, fmt.Sprintf("%02d-%s", fileIndex, safeFileName(att.FileName)))
			if err := os.WriteFile(path, att.Data, 0644); err != nil {
				return nil, nil, fmt.Errorf("failed to stage attachment %q: %w", att.FileName, err)
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				abs = path
			}
			m.logger.Debug("staged binary attachment",
				zap.String("agent_id", agentID),
				zap.String("path", abs))
			sections = append(sections, fmt.Sprintf("Attached file %q was saved to: %s",
				safeFileName(att.FileName), abs))
		}
	}
	return sections, images, nil
}

package tools

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// DownloadTool encodes text content as a data URL the client can download.
const DownloadTool = "download_text_file"

// RegisterDownloadTool adds the download_text_file builtin. It is neither
// gated nor single-use: encoding has no side effects worth guarding.
func RegisterDownloadTool(r *Registry) error {
	return r.Register(Tool{
		Name:        DownloadTool,
		Description: "Encode text content as a data URL so the client can download it as a file.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"filename":  {Type: "string", Description: "Suggested file name"},
				"content":   {Type: "string", Description: "File content"},
				"mime_type": {Type: "string", Description: "MIME type, defaults to text/plain"},
			},
			Required: []string{"filename", "content"},
		},
		Handler: downloadTextFile,
	})
}

func downloadTextFile(_ context.Context, args map[string]any) (string, error) {
	content, _ := args["content"].(string)
	if content == "" {
		return "", fmt.Errorf("content is required")
	}
	mimeType, _ := args["mime_type"].(string)
	if mimeType == "" {
		mimeType = "text/plain"
	}

	b64 := base64.StdEncoding.EncodeToString([]byte(content))
	return fmt.Sprintf("data:%s;base64,%s", mimeType, b64), nil
}

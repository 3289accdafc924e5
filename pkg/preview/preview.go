// Package preview renders an uploaded PDF for inline display.
package preview

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html/template"
	"os"

	"github.com/ledongthuc/pdf"
)

const (
	Width  = "100%"
	Height = 400
)

var frame = template.Must(template.New("frame").Parse(
	`<iframe src="data:application/pdf;base64,{{.Data}}" width="{{.Width}}" height="{{.Height}}" type="application/pdf"></iframe>`,
))

type Preview struct {
	HTML  template.HTML `json:"html"`
	Pages int           `json:"pages"`
}

// Render reads the PDF at path and embeds it in an iframe.
func Render(path string) (Preview, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Preview{}, fmt.Errorf("read preview: %w", err)
	}

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Preview{}, fmt.Errorf("read preview: %w", err)
	}

	var buf bytes.Buffer
	err = frame.Execute(&buf, struct {
		Data   template.URL
		Width  string
		Height int
	}{
		Data:   template.URL(base64.StdEncoding.EncodeToString(data)),
		Width:  Width,
		Height: Height,
	})
	if err != nil {
		return Preview{}, err
	}

	return Preview{
		HTML:  template.HTML(buf.String()),
		Pages: r.NumPage(),
	}, nil
}

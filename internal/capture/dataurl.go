package capture

import (
	"encoding/base64"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// emptyImageType is what an empty thumbnail is reported as.
const emptyImageType = "image/png"

// DataURL renders an encoded image as a data URL, sniffing its MIME type.
func DataURL(data []byte) string {
	mime := emptyImageType
	if len(data) > 0 {
		mime, _, _ = strings.Cut(mimetype.Detect(data).String(), ";")
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

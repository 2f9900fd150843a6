package whatsapp

import (
	"encoding/base64"

	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
)

const qrImageSize = 256

// QRImage is a pairing code rendered for a browser.
type QRImage struct {
	Image   string `json:"qrImage"`
	Attempt int    `json:"attempt"`
}

// EncodeQR renders payload as a PNG data URL.
func EncodeQR(payload string) (string, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", errors.Wrap(err, "encode qr")
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

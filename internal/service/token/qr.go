package token

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/zhouzirui/pairchat/internal/model/pairing"
)

// DefaultQRSize is the PNG edge length in pixels.
const DefaultQRSize = 256

// QRCodePNG renders the token's text form as a PNG QR code.
func QRCodePNG(tok pairing.Token, size int) ([]byte, error) {
	text, err := EncodeText(tok)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = DefaultQRSize
	}
	png, err := qrcode.Encode(text, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("render qr code: %w", err)
	}
	return png, nil
}

// WriteQRCode renders the token into a PNG file at path.
func WriteQRCode(tok pairing.Token, size int, path string) error {
	text, err := EncodeText(tok)
	if err != nil {
		return err
	}
	if size <= 0 {
		size = DefaultQRSize
	}
	if err := qrcode.WriteFile(text, qrcode.Medium, size, path); err != nil {
		return fmt.Errorf("write qr code: %w", err)
	}
	return nil
}

// QRCodeTerminal renders the token as a block-character QR code for a terminal.
func QRCodeTerminal(tok pairing.Token) (string, error) {
	text, err := EncodeText(tok)
	if err != nil {
		return "", err
	}
	q, err := qrcode.New(text, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("render qr code: %w", err)
	}
	return q.ToSmallString(false), nil
}

// Package qr builds the customer upload link for a session and renders it as
// a QR code the shop can display.
package qr

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"printqueue/pkg/types"
)

// ImageSize is the edge length in pixels of generated QR images.
const ImageSize = 256

// Linker turns session ids into upload links.
type Linker struct {
	baseURL string
}

// NewLinker returns a Linker for publicBase. An empty base is derived from the
// host's LAN address and the HTTP port so phones on the shop network can
// reach the upload page.
func NewLinker(publicBase string, port int) *Linker {
	base := strings.TrimRight(publicBase, "/")
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", LANAddress(), port)
	}
	return &Linker{baseURL: base}
}

// BaseURL returns the resolved base the links are built on.
func (l *Linker) BaseURL() string {
	return l.baseURL
}

// UploadURL returns <base>/upload?sessionId=<id>.
func (l *Linker) UploadURL(sessionID string) string {
	return l.baseURL + "/upload?sessionId=" + url.QueryEscape(sessionID)
}

// Link builds the session-started payload: upload URL plus its QR image.
func (l *Linker) Link(sessionID string) (types.SessionStartedPayload, error) {
	uploadURL := l.UploadURL(sessionID)
	code, err := DataURL(uploadURL)
	if err != nil {
		return types.SessionStartedPayload{}, err
	}
	return types.SessionStartedPayload{
		SessionID: sessionID,
		QRCode:    code,
		UploadURL: uploadURL,
	}, nil
}

// DataURL encodes content as a PNG QR code in a data: URL.
func DataURL(content string) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, ImageSize)
	if err != nil {
		return "", fmt.Errorf("encode qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// routeTarget is never contacted; dialing UDP only selects the local
// address the kernel would route outbound traffic from.
const routeTarget = "10.255.255.255:1"

var dial = net.Dial

// LANAddress returns the IPv4 address outbound traffic leaves from. When no
// route exists it falls back to the first non-loopback IPv4 address of an
// interface that is up, and finally to 127.0.0.1.
func LANAddress() string {
	if ip := routeAddress(); ip != "" {
		return ip
	}
	if ip := interfaceAddress(); ip != "" {
		return ip
	}
	return "127.0.0.1"
}

func routeAddress() string {
	conn, err := dial("udp", routeTarget)
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	if ip4 := addr.IP.To4(); ip4 != nil && !ip4.IsLoopback() && !ip4.IsUnspecified() {
		return ip4.String()
	}
	return ""
}

func interfaceAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4.String()
			}
		}
	}
	return ""
}

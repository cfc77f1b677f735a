package transport

import (
	"bufio"
	"net/http"
	"os"
	"strings"

	coreerrors "wstunnel-go/internal/core/errors"
	corelog "wstunnel-go/internal/core/log"
)

// Headers 每个升级请求附加的 HTTP 头
type Headers struct {
	// Static 配置中的固定头
	Static http.Header

	// File 每次建连时重新读取，每行 "Name: value"，覆盖同名固定头
	File string

	// UpgradeCredentials user:password，生成 Authorization: Basic
	UpgradeCredentials string
}

// ParseHeader 解析 "Name: value"
func ParseHeader(line string) (string, string, error) {
	name, value, ok := strings.Cut(line, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", coreerrors.Newf(coreerrors.CodeConfigError, "invalid http header %q, expected 'Name: value'", line)
	}
	return name, strings.TrimSpace(value), nil
}

// Build 生成本次请求使用的头
func (h Headers) Build() http.Header {
	out := h.Static.Clone()
	if out == nil {
		out = make(http.Header)
	}
	if h.UpgradeCredentials != "" {
		user, password, _ := strings.Cut(h.UpgradeCredentials, ":")
		out.Set("Authorization", BasicAuth(user, password))
	}
	if h.File == "" {
		return out
	}

	f, err := os.Open(h.File)
	if err != nil {
		corelog.Warnf("transport: cannot read http headers file %s: %v", h.File, err)
		return out
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, err := ParseHeader(line)
		if err != nil {
			corelog.Warnf("transport: %s: %v", h.File, err)
			continue
		}
		out.Set(name, value)
	}
	return out
}

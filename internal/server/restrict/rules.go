// Package restrict 服务端隧道访问规则
//
// 请求使用第一个所有匹配条件都成立的 restriction，再由其中任意一条 allow
// 放行；没有匹配的 restriction 即拒绝。
package restrict

import (
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	coreerrors "wstunnel-go/internal/core/errors"
)

// Config 规则文件
type Config struct {
	Restrictions []Restriction `yaml:"restrictions"`
}

// Restriction 一组匹配条件和放行规则
type Restriction struct {
	Name  string    `yaml:"name"`
	Match []Matcher `yaml:"match"`
	Allow []Allow   `yaml:"allow"`
}

// Matcher 匹配条件，同一条目中设置的字段都需满足
type Matcher struct {
	PathPrefix    *Regexp `yaml:"path_prefix,omitempty"`
	Authorization *Regexp `yaml:"authorization,omitempty"`
	Any           bool    `yaml:"any,omitempty"`
}

// Allow 放行规则，tunnel 与 reverse_tunnel 二选一
type Allow struct {
	Tunnel        *TunnelRule `yaml:"tunnel,omitempty"`
	ReverseTunnel *TunnelRule `yaml:"reverse_tunnel,omitempty"`
}

// TunnelRule 目标约束，空字段表示不限
type TunnelRule struct {
	Protocol []string       `yaml:"protocol,omitempty"`
	Port     []PortRange    `yaml:"port,omitempty"`
	Host     *Regexp        `yaml:"host,omitempty"`
	CIDR     []netip.Prefix `yaml:"cidr,omitempty"`
}

// Regexp 可从 YAML 字符串解析的正则
type Regexp struct {
	*regexp.Regexp
}

// UnmarshalYAML implements yaml.Unmarshaler
func (r *Regexp) UnmarshalYAML(node *yaml.Node) error {
	re, err := regexp.Compile(node.Value)
	if err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeConfigError, "invalid regex %q at line %d", node.Value, node.Line)
	}
	r.Regexp = re
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (r Regexp) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}

// PortRange "22" 或 "8000..9000"
type PortRange struct {
	From uint16
	To   uint16
}

// Contains 端口是否在范围内
func (p PortRange) Contains(port uint16) bool {
	return port >= p.From && port <= p.To
}

// ParsePortRange 解析端口或端口范围
func ParsePortRange(s string) (PortRange, error) {
	from, to, isRange := strings.Cut(strings.TrimSpace(s), "..")
	lo, err := strconv.ParseUint(from, 10, 16)
	if err != nil {
		return PortRange{}, coreerrors.Newf(coreerrors.CodeConfigError, "invalid port %q", s)
	}
	hi := lo
	if isRange {
		if hi, err = strconv.ParseUint(to, 10, 16); err != nil || hi < lo {
			return PortRange{}, coreerrors.Newf(coreerrors.CodeConfigError, "invalid port range %q", s)
		}
	}
	return PortRange{From: uint16(lo), To: uint16(hi)}, nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (p *PortRange) UnmarshalYAML(node *yaml.Node) error {
	r, err := ParsePortRange(node.Value)
	if err != nil {
		return err
	}
	*p = r
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (p PortRange) MarshalYAML() (interface{}, error) {
	if p.From == p.To {
		return strconv.Itoa(int(p.From)), nil
	}
	return strconv.Itoa(int(p.From)) + ".." + strconv.Itoa(int(p.To)), nil
}

// Load 读取并校验规则文件
func Load(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeConfigError, "read restriction file %s", file)
	}
	return Parse(data)
}

// Parse 解析 YAML 规则
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if coreerrors.IsConfig(err) {
			return nil, err
		}
		return nil, coreerrors.Wrap(err, coreerrors.CodeConfigError, "parse restriction rules")
	}
	for i, r := range cfg.Restrictions {
		if len(r.Match) == 0 {
			return nil, coreerrors.Newf(coreerrors.CodeConfigError, "restriction %d (%s) has no match rule", i, r.Name)
		}
		for _, a := range r.Allow {
			if (a.Tunnel == nil) == (a.ReverseTunnel == nil) {
				return nil, coreerrors.Newf(coreerrors.CodeConfigError,
					"restriction %d (%s): each allow entry needs exactly one of tunnel or reverse_tunnel", i, r.Name)
			}
		}
	}
	return cfg, nil
}

// FromSimple 把 restrict_to 和 restrict_http_upgrade_path_prefix 编译成规则；
// 两者都为空时返回 nil（不限制）
func FromSimple(restrictTo []string, pathPrefixes []string) (*Config, error) {
	if len(restrictTo) == 0 && len(pathPrefixes) == 0 {
		return nil, nil
	}

	r := Restriction{Name: "command line"}
	if len(pathPrefixes) > 0 {
		quoted := make([]string, len(pathPrefixes))
		for i, p := range pathPrefixes {
			quoted[i] = regexp.QuoteMeta(p)
		}
		r.Match = []Matcher{{PathPrefix: &Regexp{regexp.MustCompile("^(" + strings.Join(quoted, "|") + ")$")}}}
	} else {
		r.Match = []Matcher{{Any: true}}
	}

	if len(restrictTo) == 0 {
		r.Allow = append(r.Allow, Allow{Tunnel: &TunnelRule{}})
	}
	for _, dest := range restrictTo {
		i := strings.LastIndex(dest, ":")
		if i <= 0 {
			return nil, coreerrors.Newf(coreerrors.CodeConfigError, "invalid restrict_to %q, expected host:port", dest)
		}
		host := strings.Trim(dest[:i], "[]")
		port, err := ParsePortRange(dest[i+1:])
		if err != nil {
			return nil, err
		}
		r.Allow = append(r.Allow, Allow{Tunnel: &TunnelRule{
			Port: []PortRange{port},
			Host: &Regexp{regexp.MustCompile("^" + regexp.QuoteMeta(host) + "$")},
		}})
	}
	r.Allow = append(r.Allow, Allow{ReverseTunnel: &TunnelRule{}})
	return &Config{Restrictions: []Restriction{r}}, nil
}

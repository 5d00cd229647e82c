package executor

import (
	"regexp"
	"strings"
)

// Steps report values back by printing service messages on stdout:
//
//	##buildgrid[setParameter name='env.VERSION' value='1.2.3']
//	##buildgrid[buildNumber '1.2.3-rc']
var (
	messagePattern = regexp.MustCompile(`^##buildgrid\[(\w+)\s*(.*)\]\s*$`)
	attrPattern    = regexp.MustCompile(`(\w+)='((?:\|.|[^'|])*)'`)
	valuePattern   = regexp.MustCompile(`^'((?:\|.|[^'|])*)'$`)
)

type serviceMessage struct {
	name  string
	value string
	attrs map[string]string
}

func parseServiceMessage(line string) (serviceMessage, bool) {
	m := messagePattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return serviceMessage{}, false
	}
	msg := serviceMessage{name: m[1], attrs: map[string]string{}}
	body := strings.TrimSpace(m[2])
	if v := valuePattern.FindStringSubmatch(body); v != nil {
		msg.value = unescape(v[1])
		return msg, true
	}
	for _, a := range attrPattern.FindAllStringSubmatch(body, -1) {
		msg.attrs[a[1]] = unescape(a[2])
	}
	return msg, true
}

var unescaper = strings.NewReplacer("|'", "'", "|n", "\n", "|r", "\r", "|[", "[", "|]", "]", "||", "|")

func unescape(s string) string {
	return unescaper.Replace(s)
}

// apply records a message's effect on the result.
func (r *Result) apply(msg serviceMessage) {
	switch msg.name {
	case "setParameter":
		if name := msg.attrs["name"]; name != "" {
			if r.Params == nil {
				r.Params = map[string]string{}
			}
			r.Params[name] = msg.attrs["value"]
		}
	case "buildNumber":
		r.BuildNumber = msg.value
	}
}

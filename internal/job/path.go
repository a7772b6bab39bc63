package job

import (
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Naming selects the site component of visit directory names.
type Naming string

const (
	// NamingIndex names directories after the site's index in the URL list.
	NamingIndex Naming = "index"

	// NamingHostname names directories after the site's ASCII hostname.
	// Hosts that appear more than once in the URL list get the index appended.
	NamingHostname Naming = "hostname"
)

// CaptchaPrefix marks visit directories on which a captcha was detected.
const CaptchaPrefix = "captcha_"

// File names inside a visit directory.
const (
	PcapFile         = "capture.pcap"
	ScreenshotFile   = "screenshot.png"
	SourceFile       = "source.html"
	ExtensionLogFile = "extension.log"
)

// Path returns the directory of the current visit.
func (j *Job) Path() string {
	return j.PathOf(j.Batch, j.Site, j.Visit)
}

// PathOf returns the directory of any visit of the job, including the
// captcha prefix if that visit has been flagged.
func (j *Job) PathOf(batch, site, visit int) string {
	instance := batch*j.Visits + visit
	name := strconv.Itoa(batch) + "_" + j.siteKey(site) + "_" + strconv.Itoa(instance)
	if j.Captchas[j.GlobalVisitOf(batch, site, visit)] {
		name = CaptchaPrefix + name
	}
	return filepath.Join(j.Root, name)
}

// PcapPath returns the capture file of the current visit.
func (j *Job) PcapPath() string {
	return filepath.Join(j.Path(), PcapFile)
}

// ScreenshotPath returns the screenshot file of the current visit.
func (j *Job) ScreenshotPath() string {
	return filepath.Join(j.Path(), ScreenshotFile)
}

// SourcePath returns the page source file of the current visit.
func (j *Job) SourcePath() string {
	return filepath.Join(j.Path(), SourceFile)
}

// ExtensionLogPath returns where the browser extension log of the current
// visit is kept.
func (j *Job) ExtensionLogPath() string {
	return filepath.Join(j.Path(), ExtensionLogFile)
}

// siteKey returns the site component of a directory name.
func (j *Job) siteKey(site int) string {
	index := strconv.Itoa(site)
	if j.Naming != NamingHostname {
		return index
	}

	host := hostKey(j.URLs[site])
	if host == "" {
		return index
	}
	for i, u := range j.URLs {
		if i != site && hostKey(u) == host {
			return host + "-" + index
		}
	}
	return host
}

// hostKey returns a filesystem-safe ASCII form of the URL's host, or an
// empty string when there is none.
func hostKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if host == "" {
		return ""
	}
	ascii, err := idna.ToASCII(strings.ToLower(host))
	if err != nil {
		return ""
	}
	// IPv6 literals
	return strings.ReplaceAll(ascii, ":", "-")
}

// CaptchaPath returns dir with the captcha prefix added to its last element.
func CaptchaPath(dir string) string {
	parent, name := filepath.Split(filepath.Clean(dir))
	if strings.HasPrefix(name, CaptchaPrefix) {
		return filepath.Join(parent, name)
	}
	return filepath.Join(parent, CaptchaPrefix+name)
}

// StripCaptchaPrefix is the inverse of CaptchaPath.
func StripCaptchaPrefix(dir string) string {
	parent, name := filepath.Split(filepath.Clean(dir))
	return filepath.Join(parent, strings.TrimPrefix(name, CaptchaPrefix))
}

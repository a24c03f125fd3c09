package engine

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hymo-mount/hymo/pkg/config"
)

// loadNuke installs the prebuilt kernel module that scrubs the ext4 sysfs
// traces of the loop-backed store. Everything here is best effort: the store
// works without it, just with a visible sysfs entry.
func loadNuke(mountBase string, log *logrus.Entry) {
	release, err := kernelRelease()
	if err != nil {
		log.Errorf("kernel release: %v", err)
		return
	}
	short := kernelShort(release)
	if short == "" {
		log.Errorf("unparseable kernel release %q", release)
		return
	}

	entries, err := os.ReadDir(config.LKMDir)
	if err != nil {
		log.Warnf("no LKM directory at %s", config.LKMDir)
		return
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		names = append(names, ent.Name())
	}

	ko := matchLKM(names, short, androidVersion())
	if ko == "" {
		log.Warnf("no LKM matches kernel %s", release)
		return
	}

	addr, err := symbolAddressFromFile("/proc/kallsyms", "ext4_unregister_sysfs")
	if err != nil {
		log.Errorf("kallsyms lookup: %v", err)
		return
	}
	if addr == "" {
		log.Warn("ext4_unregister_sysfs not exported by this kernel")
		return
	}

	cmd := exec.Command("insmod", filepath.Join(config.LKMDir, ko),
		"mount_point="+mountBase, "symaddr="+addr)
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Errorf("insmod %s: %v (%s)", ko, err, strings.TrimSpace(string(out)))
		return
	}
	log.Infof("LKM %s loaded", ko)
}

func kernelRelease() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	return string(uts.Release[:clen(uts.Release[:])]), nil
}

func clen(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}

// kernelShort reduces "5.10.101-android12-9" to "5.10".
func kernelShort(release string) string {
	parts := strings.Split(release, ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "." + parts[1]
}

func androidVersion() string {
	out, err := exec.Command("getprop", "ro.build.version.release").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// matchLKM picks a module file for the running kernel: first a name carrying
// both the android version and the kernel series, then kernel series alone.
func matchLKM(names []string, kernelShort, androidVer string) string {
	if androidVer != "" {
		tag := "android" + androidVer
		for _, name := range names {
			if strings.Contains(name, kernelShort) && strings.Contains(name, tag) {
				return name
			}
		}
	}
	for _, name := range names {
		if strings.Contains(name, kernelShort) {
			return name
		}
	}
	return ""
}

func symbolAddressFromFile(path, symbol string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return symbolAddress(f, symbol)
}

// symbolAddress scans kallsyms output ("addr type name [module]") for an
// exact symbol name and returns its address as a 0x literal.
func symbolAddress(r io.Reader, symbol string) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 3 && fields[2] == symbol {
			return "0x" + fields[0], nil
		}
	}
	return "", scanner.Err()
}

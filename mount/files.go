package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SetHostnameFile writes etc/hostname inside the rootfs.
func SetHostnameFile(rootfs, hostname string) error {
	return writeEtc(rootfs, "hostname", hostname+"\n")
}

// SetHosts synthesizes a minimal etc/hosts mapping localhost and the
// container's own name.
func SetHosts(rootfs, hostname string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "127.0.0.1\tlocalhost\n")
	fmt.Fprintf(&b, "::1\t\tlocalhost\n")
	fmt.Fprintf(&b, "127.0.0.1\t%s\n", hostname)
	return writeEtc(rootfs, "hosts", b.String())
}

// SetResolvConf writes etc/resolv.conf with one nameserver per line.
func SetResolvConf(rootfs string, nameservers []string) error {
	var b strings.Builder
	for _, ns := range nameservers {
		fmt.Fprintf(&b, "nameserver %s\n", ns)
	}
	return writeEtc(rootfs, "resolv.conf", b.String())
}

func writeEtc(rootfs, name, content string) error {
	dir := filepath.Join(rootfs, "etc")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
}

// CopyFile copies a host file into the rootfs, creating parents.
func CopyFile(rootfs, source, target string) error {
	data, err := os.ReadFile(source)
	if err != nil {
		return err
	}
	dst := filepath.Join(rootfs, target)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	info, err := os.Stat(source)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode().Perm())
}

// Symlink creates target <- link inside the rootfs.
func Symlink(rootfs, target, link string) error {
	path := filepath.Join(rootfs, link)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.Symlink(target, path)
}

// WriteSecret writes one secret file with a restrictive default mode.
func WriteSecret(path string, s SecretFile) error {
	mode := s.Mode
	if mode == 0 {
		mode = 0o400
	}
	return os.WriteFile(path, s.Data, mode)
}

//go:build windows

package sshtunnel

const (
	sshBinary   = `C:\Windows\System32\OpenSSH\ssh.exe`
	hostKeyFile = `C:\Windows\Temp\bubble_flex_host_key`
)

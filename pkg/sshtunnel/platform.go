package sshtunnel

// sshBinary and hostKeyFile are supplied per-platform by
// ssh_linux.go / ssh_darwin.go / ssh_windows.go, mirroring the original
// Rust source's ssh.rs platform match and spec.md §6's documented paths.

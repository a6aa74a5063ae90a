//go:build !unix

package udpserver

import "syscall"

func reuseAddrControl(string, string, syscall.RawConn) error { return nil }

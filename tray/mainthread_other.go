//go:build !darwin

package tray

func runOnMain(f func()) { f() }

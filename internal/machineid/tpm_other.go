//go:build !linux

package machineid

func tpmProperties() string { return "" }

// Package toolchain builds the shell command that compiles and runs a snippet.
package toolchain

import "strings"

// Toolchain describes how a single translation unit is compiled and executed.
type Toolchain struct {
	Compiler   string
	Flags      []string
	SourceFile string
	Binary     string
}

// Default is the fixed command used against the remote compile service.
var Default = Toolchain{
	Compiler:   "g++",
	Flags:      []string{"-std=c++11", "-O2", "-Wall", "-pedantic", "-pthread"},
	SourceFile: "main.cpp",
	Binary:     "./a.out",
}

// Command returns the compile-then-run shell invocation.
// Link libraries follow the source file so the linker can resolve them.
func (t Toolchain) Command(linkLibraries []string) string {
	parts := make([]string, 0, len(t.Flags)+len(linkLibraries)+4)
	parts = append(parts, t.Compiler)
	parts = append(parts, t.Flags...)
	parts = append(parts, t.SourceFile)
	for _, lib := range linkLibraries {
		lib = strings.TrimSpace(lib)
		if lib == "" {
			continue
		}
		parts = append(parts, "-l"+strings.TrimPrefix(lib, "-l"))
	}
	parts = append(parts, "&&", t.Binary)
	return strings.Join(parts, " ")
}

// Command renders the Default toolchain.
func Command(linkLibraries []string) string {
	return Default.Command(linkLibraries)
}

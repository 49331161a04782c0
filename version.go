package main

import (
	"fmt"

	"github.com/surya-abadi/cache-coordinator/internal/version"
)

// printVersion 输出构建时注入的版本与提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}

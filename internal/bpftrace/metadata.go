package bpftrace

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/loykin/bpftraced/internal/script"
)

// ParseMetadata reads the "// key: value" header comments at the top of a script.
// Parsing stops at the first line that is neither blank nor a comment.
//
//	// name: tcp_connects
//	// include: linux/sched.h,net/sock.h
//	// table-retain-lines: 20
func ParseMetadata(code string) (script.Metadata, error) {
	var md script.Metadata
	sc := bufio.NewScanner(strings.NewReader(code))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "//") {
			break
		}
		body := strings.TrimSpace(strings.TrimPrefix(line, "//"))
		key, val, ok := strings.Cut(body, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "name":
			if !script.IsSafeName(val) {
				return md, fmt.Errorf("invalid script name %q: must start with a letter and contain only letters, digits and underscores", val)
			}
			md.Name = val
		case "include":
			for _, inc := range strings.Split(val, ",") {
				if inc = strings.TrimSpace(inc); inc != "" {
					md.Include = append(md.Include, inc)
				}
			}
		case "table-retain-lines":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return md, fmt.Errorf("invalid table-retain-lines %q", val)
			}
			md.TableRetainLines = n
		}
	}
	return md, sc.Err()
}

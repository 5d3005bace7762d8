// Command spfbldctl sends one text-protocol command to a running spfbld
// daemon and exits with a code describing the result, so shell scripts
// and MTA glue can branch on it without parsing output:
//
//	PASS=0 FAIL=1 SOFTFAIL=2 NEUTRAL=3 PERMERROR=4 TEMPERROR=5 NONE=6
//	ACCEPT=7 REJECT=8 UNDEFINED=9
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

var exitCodes = map[string]int{
	"PASS":      0,
	"FAIL":      1,
	"SOFTFAIL":  2,
	"NEUTRAL":   3,
	"PERMERROR": 4,
	"TEMPERROR": 5,
	"NONE":      6,
	"ACCEPT":    7,
	"OK":        7,
	"GREYLIST":  5,
	"LISTED":    5,
	"BLOCKED":   8,
	"SPAMTRAP":  8,
	"INVALID":   8,
	"NXDOMAIN":  8,
	"REJECT":    8,
}

func main() {
	addr := "127.0.0.1:9877"
	args := os.Args[1:]
	if len(args) >= 2 && args[0] == "-server" {
		addr = args[1]
		args = args[2:]
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: spfbldctl [-server host:port] <command> [args...]")
		os.Exit(9)
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot connect to %s: %v\n", addr, err)
		os.Exit(5)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	if _, err := fmt.Fprintln(conn, strings.Join(args, " ")); err != nil {
		fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		os.Exit(5)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no reply")
		os.Exit(5)
	}
	reply := scanner.Text()
	fmt.Println(reply)

	// Multi-line replies (CHECK) end with a lone ".".
	if strings.HasPrefix(reply, "action=") {
		for scanner.Scan() {
			line := scanner.Text()
			fmt.Println(line)
			if line == "." {
				break
			}
		}
	}

	first := reply
	if i := strings.IndexByte(first, ' '); i >= 0 {
		first = first[:i]
	}
	if code, ok := exitCodes[strings.ToUpper(first)]; ok {
		os.Exit(code)
	}
	os.Exit(9)
}

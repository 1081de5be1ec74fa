// compileinfoprint is imported by every pipeline command for the side effect
// of printing its build provenance to os.Stderr at startup.
package compileinfoprint

import "github.com/carbocation/qsmpipe/compileinfo"

func init() {
	compileinfo.PrintToStdErr()
}

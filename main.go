// Command sitegraph is the crawl job engine executable.
package main

import "github.com/sitegraph/crawler/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/ValentinKolb/qplex/cmd"

func main() {
	cmd.Execute()
}

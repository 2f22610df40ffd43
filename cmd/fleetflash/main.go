package main

import (
	"os"
)

/*
 * main is the entry point for fleetflash.
 *
 * It performs the following operations:
 * 1. Resolves settings from flags, the .env file and the environment
 * 2. Finds the matching USB-serial ports
 * 3. Flashes every port at once with one esptool process each
 * 4. Prints the summary and exits with its status
 */
func main() {
	os.Exit(execute(os.Args[1:], defaultDeps()))
}

package main

import "github.com/JakeFAU/gradcafe-crawler/cmd"

func main() {
	cmd.Execute()
}

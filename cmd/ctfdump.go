// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	ctf "github.com/saferwall/ctf"
)

var verbose bool

func prettyPrint(v interface{}) string {
	buff, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(buff)
}

func isDirectory(path string) bool {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fileInfo.IsDir()
}

// dumpMetadata de-frames one metadata file and prints its envelope and
// TSDL text statistics.
func dumpMetadata(filename string) {
	data, err := os.ReadFile(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error while opening file: %s, reason: %v\n",
			filename, err)
		return
	}

	packetized, bo := ctf.IsPacketizedMetadata(data)
	fmt.Printf("file: %s\n", filename)
	fmt.Printf("packetized: %v\n", packetized)
	if packetized {
		fmt.Printf("byte order: %s\n", bo)
		hdr, err := ctf.ParseMetadataPacketHeader(data, bo)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error while parsing envelope: %v\n", err)
			return
		}
		fmt.Println(prettyPrint(hdr))
	}

	d := ctf.NewMetadataDecoder(nil)
	text, err := d.Decode(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error while de-framing metadata: %v\n", err)
		return
	}
	if id, ok := d.UUID(); ok {
		fmt.Printf("uuid: %s\n", id)
	}
	fmt.Printf("TSDL text: %d chars\n", len(text))
	if verbose {
		fmt.Println(text)
	}
}

// dumpPackets walks the envelopes of a packetized metadata file.
func dumpPackets(filename string) {
	data, err := os.ReadFile(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error while opening file: %s, reason: %v\n",
			filename, err)
		return
	}

	packetized, bo := ctf.IsPacketizedMetadata(data)
	if !packetized {
		fmt.Printf("%s: plain text metadata, no packets\n", filename)
		return
	}

	for off, idx := 0, 0; off < len(data); idx++ {
		hdr, err := ctf.ParseMetadataPacketHeader(data[off:], bo)
		if err != nil {
			fmt.Fprintf(os.Stderr, "packet %d: %v\n", idx, err)
			return
		}
		fmt.Printf("packet %d: offset=%d packet-size=%d bits "+
			"content-size=%d bits uuid=%s\n",
			idx, off, hdr.PacketSize, hdr.ContentSize, hdr.UUID)
		if hdr.PacketSize == 0 {
			return
		}
		off += int(hdr.PacketSize / 8)
	}
}

func walk(args []string, dump func(string)) {
	for _, filePath := range args {
		if !isDirectory(filePath) {
			dump(filePath)
			continue
		}

		// filePath points to a directory, walk recursively through
		// all files.
		fileList := []string{}
		filepath.Walk(filePath, func(path string, f os.FileInfo, err error) error {
			if !isDirectory(path) {
				fileList = append(fileList, path)
			}
			return nil
		})

		for _, file := range fileList {
			dump(file)
		}
	}
}

func main() {

	var rootCmd = &cobra.Command{
		Use:   "ctfdump",
		Short: "A Common Trace Format reader",
		Long:  "A CTF trace inspector built on the saferwall ctf reader",
		Run: func(cmd *cobra.Command, args []string) {
		},
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Long:  "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print("You are using version 0.0.1")
		},
	}

	var metaCmd = &cobra.Command{
		Use:   "meta",
		Short: "Dump metadata envelope",
		Long:  "De-frame a TSDL metadata stream and dump its envelope",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			walk(args, dumpMetadata)
		},
	}

	var packetsCmd = &cobra.Command{
		Use:   "packets",
		Short: "Walk metadata packets",
		Long:  "Walk the packet envelopes of a packetized metadata stream",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			walk(args, dumpPackets)
		},
	}

	// Init root command.
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(metaCmd)
	rootCmd.AddCommand(packetsCmd)

	// Init flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"verbose output")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

}

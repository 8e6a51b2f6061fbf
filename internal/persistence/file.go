// Package persistence writes archival data files.
package persistence

import (
	"encoding/json"
	"os"
	"path"
	"time"
)

// DataFile describes an archival file written to disk.
type DataFile struct {
	// Prefix is the data directory the file was written under.
	Prefix string
	// Datatype is the archival datatype (first path component).
	Datatype string
	// Subtest qualifies the datatype in the file name (e.g. the test id).
	Subtest string
	// UUID is the run identifier.
	UUID string
	// Path is the full path of the written file.
	Path string
	// Size is the number of bytes written.
	Size int
}

func filePath(datadir, datatype, subtest, uuid string, timestamp time.Time) string {
	dir := path.Join(datadir, datatype, timestamp.Format("2006/01/02"))
	return path.Join(dir, datatype+"-"+subtest+"-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+uuid+".json")
}

// WriteDataFile writes the JSON representation of v to a new file under
// datadir/datatype/YYYY/MM/DD/. The file must not already exist.
func WriteDataFile(datadir, datatype, subtest, uuid string, v interface{}) (*DataFile, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	filepath := filePath(datadir, datatype, subtest, uuid, time.Now().UTC())
	err = os.MkdirAll(path.Dir(filepath), 0755)
	if err != nil {
		return nil, err
	}
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	n, err := fp.Write(data)
	if err != nil {
		fp.Close()
		return nil, err
	}
	if err = fp.Close(); err != nil {
		return nil, err
	}
	return &DataFile{
		Prefix:   datadir,
		Datatype: datatype,
		Subtest:  subtest,
		UUID:     uuid,
		Path:     filepath,
		Size:     n,
	}, nil
}

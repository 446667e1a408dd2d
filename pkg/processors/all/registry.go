// Package all registers every built-in component type.
package all

import (
	"github.com/wehubfusion/cubetl/pkg/processors/csv"
	"github.com/wehubfusion/cubetl/pkg/processors/fs"
	"github.com/wehubfusion/cubetl/pkg/processors/json"
	"github.com/wehubfusion/cubetl/pkg/processors/nats"
	"github.com/wehubfusion/cubetl/pkg/processors/sql"
	"github.com/wehubfusion/cubetl/pkg/runtime"
	"github.com/wehubfusion/cubetl/pkg/storage"
)

// Register adds the storage and processor types to f. Names are qualified
// by package; the kernel's own types keep their bare names.
func Register(f *runtime.Factory) {
	// storage
	f.Register("storage.Local", func() runtime.Component { return &storage.Local{} })
	f.Register("storage.AzureBlob", func() runtime.Component { return &storage.AzureBlob{} })
	f.Register("storage.S3", func() runtime.Component { return &storage.S3{} })

	// files
	f.Register("fs.FileReader", func() runtime.Component { return &fs.FileReader{} })
	f.Register("fs.FileLineReader", func() runtime.Component { return &fs.FileLineReader{} })
	f.Register("fs.FileWriter", func() runtime.Component { return fs.NewFileWriter() })

	f.Register("csv.CsvReader", func() runtime.Component { return &csv.CsvReader{} })
	f.Register("csv.CsvFileReader", func() runtime.Component { return &csv.CsvFileReader{} })
	f.Register("csv.CsvFileWriter", func() runtime.Component { return csv.NewCsvFileWriter() })

	f.Register("json.JsonReader", func() runtime.Component { return json.NewJsonReader() })
	f.Register("json.JsonFileReader", func() runtime.Component { return json.NewJsonFileReader() })
	f.Register("json.JsonFileWriter", func() runtime.Component { return json.NewJsonFileWriter() })

	// external systems
	f.Register("sql.Connection", func() runtime.Component { return &sql.Connection{} })
	f.Register("sql.QueryReader", func() runtime.Component { return &sql.QueryReader{} })
	f.Register("nats.Publisher", func() runtime.Component { return &nats.Publisher{} })
}

// NewFactory returns a factory with the kernel types and every built-in
// type registered.
func NewFactory() *runtime.Factory {
	f := runtime.NewFactory()
	Register(f)
	return f
}

package protocol

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/bufbuild/protocompile"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Schema is a compiled .proto file.
type Schema struct {
	path string
	file protoreflect.FileDescriptor
}

// LoadSchema compiles the .proto file at path. Imports are resolved
// relative to the file's directory; well-known types are built in.
func LoadSchema(ctx context.Context, path string) (*Schema, error) {
	if path == "" {
		return nil, Errorf(KindInvalidArgument, "proto file path is required")
	}

	dir, name := filepath.Split(filepath.Clean(path))
	if dir == "" {
		dir = "."
	}

	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			ImportPaths: []string{dir},
		}),
		SourceInfoMode: protocompile.SourceInfoStandard,
	}

	files, err := compiler.Compile(ctx, name)
	if err != nil {
		return nil, Wrap(KindInvalidArgument, err, "compile "+path)
	}
	if len(files) == 0 {
		return nil, Errorf(KindInvalidArgument, "compile %s: no file produced", path)
	}

	return &Schema{path: path, file: files[0]}, nil
}

// Package returns the proto package of the file.
func (s *Schema) Package() string { return string(s.file.Package()) }

// Services lists the fully-qualified names of all services in the file.
func (s *Schema) Services() []string {
	svcs := s.file.Services()
	out := make([]string, 0, svcs.Len())
	for i := 0; i < svcs.Len(); i++ {
		out = append(out, string(svcs.Get(i).FullName()))
	}
	return out
}

// Methods lists the method names of a service.
func (s *Schema) Methods(service string) ([]string, error) {
	sd, err := s.ResolveService(service)
	if err != nil {
		return nil, err
	}
	methods := sd.Methods()
	out := make([]string, 0, methods.Len())
	for i := 0; i < methods.Len(); i++ {
		out = append(out, string(methods.Get(i).Name()))
	}
	return out, nil
}

// ResolveService finds a service by exact full name, then by its short name
// once any package prefix is stripped, then with the file's package
// prepended. Fully- and partially-qualified names therefore all resolve.
func (s *Schema) ResolveService(name string) (protoreflect.ServiceDescriptor, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), ".")
	svcs := s.file.Services()

	for i := 0; i < svcs.Len(); i++ {
		if string(svcs.Get(i).FullName()) == name {
			return svcs.Get(i), nil
		}
	}

	short := name
	if i := strings.LastIndex(name, "."); i >= 0 {
		short = name[i+1:]
	}
	if sd := svcs.ByName(protoreflect.Name(short)); sd != nil {
		return sd, nil
	}

	if pkg := s.Package(); pkg != "" {
		full := pkg + "." + name
		for i := 0; i < svcs.Len(); i++ {
			if string(svcs.Get(i).FullName()) == full {
				return svcs.Get(i), nil
			}
		}
	}

	return nil, Errorf(KindInvalidArgument, "service %q not found in %s", name, s.path)
}

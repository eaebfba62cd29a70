package handler

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
)

// approvalsProtoFile is the descriptor path served through gRPC reflection.
const approvalsProtoFile = "approvals/v1/approvals.proto"

// approvalsFile describes ApprovalService. Every method takes and returns a
// google.protobuf.Struct, so only the service needs declaring.
var approvalsFile protoreflect.FileDescriptor

func init() {
	fd, err := buildApprovalsFile(protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("approvals descriptor: %v", err))
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(fmt.Sprintf("register approvals descriptor: %v", err))
	}
	approvalsFile = fd
}

func buildApprovalsFile(resolver protodesc.Resolver) (protoreflect.FileDescriptor, error) {
	structName := "." + string((&structpb.Struct{}).ProtoReflect().Descriptor().FullName())
	structFile := (&structpb.Struct{}).ProtoReflect().Descriptor().ParentFile().Path()

	methods := make([]*descriptorpb.MethodDescriptorProto, 0, len(approvalServiceDesc.Methods))
	for _, m := range approvalServiceDesc.Methods {
		methods = append(methods, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(m.MethodName),
			InputType:  proto.String(structName),
			OutputType: proto.String(structName),
		})
	}

	fdp := &descriptorpb.FileDescriptorProto{
		Name:       proto.String(approvalsProtoFile),
		Package:    proto.String("approvals.v1"),
		Syntax:     proto.String("proto3"),
		Dependency: []string{structFile},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name:   proto.String("ApprovalService"),
			Method: methods,
		}},
	}
	return protodesc.NewFile(fdp, resolver)
}

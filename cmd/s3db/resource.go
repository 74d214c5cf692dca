package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/s3db-go/s3db/pkg/codec"
	"github.com/s3db-go/s3db/pkg/database"
	"github.com/s3db-go/s3db/pkg/resource"
	"github.com/s3db-go/s3db/pkg/schema"
)

var resourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Manage and query resources in a connected database",
}

var (
	createBehaviorFlag string
	createAttrFlags    []string

	insertAttrFlags  []string
	insertValueFlags []string
	insertOverwrite  bool

	updateAttrFlags  []string
	updateValueFlags []string

	listLimitFlag  int
	listOffsetFlag int
)

var createResourceCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a resource with its first schema version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		behavior, err := parseBehavior(createBehaviorFlag)
		if err != nil {
			return err
		}
		attrs, err := parseAttrRules(createAttrFlags)
		if err != nil {
			return err
		}

		ctx := context.Background()
		db, err := connectDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Disconnect(ctx)

		if _, err := db.CreateResource(ctx, database.CreateResourceSpec{
			Name:       args[0],
			Attributes: attrs,
			Behavior:   behavior,
		}); err != nil {
			return err
		}
		fmt.Printf("resource %q created\n", args[0])
		return nil
	},
}

var insertRecordCmd = &cobra.Command{
	Use:   "insert <name>",
	Short: "Insert a record into a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		attrs, err := parseAttrValues(insertAttrFlags, insertValueFlags)
		if err != nil {
			return err
		}

		ctx := context.Background()
		db, err := connectDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Disconnect(ctx)

		res, err := db.Resource(args[0])
		if err != nil {
			return err
		}
		rec, err := res.Insert(ctx, attrs, resource.InsertOptions{Overwrite: insertOverwrite})
		if err != nil {
			return err
		}
		return printJSON(rec.Map())
	},
}

var getRecordCmd = &cobra.Command{
	Use:   "get <name> <id>",
	Short: "Fetch one record by id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := connectDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Disconnect(ctx)

		res, err := db.Resource(args[0])
		if err != nil {
			return err
		}
		rec, err := res.Get(ctx, args[1])
		if err != nil {
			return err
		}
		return printJSON(rec.Map())
	},
}

var listRecordsCmd = &cobra.Command{
	Use:   "list <name>",
	Short: "List records in a resource, paginated",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := connectDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Disconnect(ctx)

		res, err := db.Resource(args[0])
		if err != nil {
			return err
		}
		records, err := res.List(ctx, resource.ListOptions{Limit: listLimitFlag, Offset: listOffsetFlag})
		if err != nil {
			return err
		}
		out := make([]map[string]any, 0, len(records))
		for _, rec := range records {
			out = append(out, rec.Map())
		}
		return printJSON(out)
	},
}

var updateRecordCmd = &cobra.Command{
	Use:   "update <name> <id>",
	Short: "Merge new attribute values into an existing record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := parseAttrValues(updateAttrFlags, updateValueFlags)
		if err != nil {
			return err
		}

		ctx := context.Background()
		db, err := connectDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Disconnect(ctx)

		res, err := db.Resource(args[0])
		if err != nil {
			return err
		}
		rec, err := res.Update(ctx, args[1], patch, resource.UpdateOptions{})
		if err != nil {
			return err
		}
		return printJSON(rec.Map())
	},
}

var deleteRecordCmd = &cobra.Command{
	Use:   "delete <name> <id>",
	Short: "Delete a record by id (idempotent)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := connectDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Disconnect(ctx)

		res, err := db.Resource(args[0])
		if err != nil {
			return err
		}
		if err := res.Delete(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("record %q deleted from %q\n", args[1], args[0])
		return nil
	},
}

func init() {
	createResourceCmd.Flags().StringVar(&createBehaviorFlag, "behavior", "metadata", "storage behavior: metadata, body, mixed, or usermanaged")
	createResourceCmd.Flags().StringArrayVar(&createAttrFlags, "attr", nil, "field rule, name=rule (repeatable)")

	insertRecordCmd.Flags().StringArrayVar(&insertAttrFlags, "attr", nil, "field name (repeatable, paired positionally with --value)")
	insertRecordCmd.Flags().StringArrayVar(&insertValueFlags, "value", nil, "field value (repeatable, paired positionally with --attr)")
	insertRecordCmd.Flags().BoolVar(&insertOverwrite, "overwrite", false, "last-writer-wins instead of rejecting a colliding id")

	updateRecordCmd.Flags().StringArrayVar(&updateAttrFlags, "attr", nil, "field name (repeatable, paired positionally with --value)")
	updateRecordCmd.Flags().StringArrayVar(&updateValueFlags, "value", nil, "field value (repeatable, paired positionally with --attr)")

	listRecordsCmd.Flags().IntVar(&listLimitFlag, "limit", 0, "maximum records to return (0 means no limit)")
	listRecordsCmd.Flags().IntVar(&listOffsetFlag, "offset", 0, "records to skip before the first returned result")

	resourceCmd.AddCommand(createResourceCmd)
	resourceCmd.AddCommand(insertRecordCmd)
	resourceCmd.AddCommand(getRecordCmd)
	resourceCmd.AddCommand(listRecordsCmd)
	resourceCmd.AddCommand(updateRecordCmd)
	resourceCmd.AddCommand(deleteRecordCmd)
}

func parseBehavior(raw string) (codec.Behavior, error) {
	switch strings.ToLower(raw) {
	case "metadata", "metadataonly":
		return codec.MetadataOnly, nil
	case "body", "bodyonly":
		return codec.BodyOnly, nil
	case "mixed":
		return codec.Mixed, nil
	case "usermanaged", "user-managed":
		return codec.UserManaged, nil
	default:
		return 0, fmt.Errorf("unknown behavior %q: expected metadata, body, mixed, or usermanaged", raw)
	}
}

// parseAttrRules turns repeated "--attr name=rule" flags into a RawSchema.
func parseAttrRules(raw []string) (schema.RawSchema, error) {
	out := make(schema.RawSchema, len(raw))
	for _, entry := range raw {
		name, rule, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --attr %q: expected name=rule", entry)
		}
		out[name] = schema.RawField{Rule: rule}
	}
	return out, nil
}

// parseAttrValues pairs positional --attr/--value flags into a record
// attribute map, decoding each value as JSON when possible and falling
// back to the raw string (so `--attr age --value 7` yields a number but
// `--attr status --value shipped` yields a string).
func parseAttrValues(names, values []string) (map[string]any, error) {
	if len(names) != len(values) {
		return nil, fmt.Errorf("--attr and --value must be passed the same number of times (%d vs %d)", len(names), len(values))
	}
	out := make(map[string]any, len(names))
	for i, name := range names {
		out[name] = decodeFlagValue(values[i])
	}
	return out, nil
}

func decodeFlagValue(raw string) any {
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	var js any
	if err := json.Unmarshal([]byte(raw), &js); err == nil {
		if _, isNum := js.(float64); !isNum {
			return js
		}
	}
	return raw
}

func printJSON(v any) error {
	enc, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(enc))
	return nil
}

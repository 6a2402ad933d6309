package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/IMQS/cli"
	"github.com/IMQS/gowinsvc/service"
	"github.com/IMQS/recordsearch/schema"
	"github.com/IMQS/recordsearch/searchkey"
	"github.com/IMQS/recordsearch/server"
)

func main() {
	app := cli.App{}
	app.Description = "imqs-recordsearch -c=configfile [options] command"
	app.DefaultExec = exec
	app.AddCommand("run", "Run the record search service")
	app.AddCommand("search", "Run a search from the command line, and print the matching record ids\n"+
		"Use -u to search as a particular user. Without it, the search is anonymous.", "searchkey")
	app.AddCommand("encode", "Encode JSON search parameters into a search key, for example\n"+
		"  encode '{\"dt_id\": 1, \"gen\": \"abelsonite\"}'", "json")
	app.AddCommand("related", "List the datatypes that a search on the datatype would cover", "datatype")
	app.AddCommand("fields", "List the searchable datafields of a datatype and its related datatypes", "datatype")
	app.AddCommand("flush", "Flush the search result cache")
	app.AddValueOption("c", "configfile", "Configuration file if not using the configuration service")
	app.AddValueOption("u", "userid", "User on whose behalf to search")
	os.Exit(app.Run())
}

func exec(cmdName string, args []string, options cli.OptionSet) int {
	// encode needs nothing but the codec
	if cmdName == "encode" {
		return encode(args)
	}

	engine := server.Engine{}
	engine.ConfigFile = options["c"]

	err := engine.LoadConfigFromFile()
	if err != nil {
		fmt.Printf("Error loading search config: %v\n", err)
		return 1
	}

	err = engine.Initialize(false)
	if err != nil {
		if engine.ErrorLog != nil {
			engine.ErrorLog.Error(err.Error())
		}
		fmt.Printf("Error initializing search engine: %v\n", err)
		return 1
	}
	defer engine.Close()

	run := func() {
		engine.StartCacheFlusher()
		err = engine.RunHttp()
		if err != nil {
			engine.ErrorLog.Errorf("Error running HTTP server: %v\n", err)
		}
	}

	ctx := context.Background()
	viewer := schema.Anonymous()
	if raw, ok := options["u"]; ok {
		var userID int64
		if userID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			fmt.Printf("Invalid user id '%v'\n", raw)
			return 1
		}
		if viewer, err = engine.ResolveViewer(ctx, userID); err != nil {
			fmt.Printf("Error: %v\n", err)
			return 1
		}
	}

	start := time.Now()

	switch cmdName {
	case "run":
		if !service.RunAsService(run) {
			run()
		}
	case "search":
		var res *server.CacheEntry
		res, err = engine.PerformSearch(ctx, strings.Join(args, " "), viewer)
		if err == nil {
			fmt.Printf("%v\n", res.SearchKey)
			fmt.Printf("%v records (cached: %v)\n", len(res.Sorted), res.Cached)
			for _, id := range res.Sorted {
				fmt.Printf("%8v\n", id)
			}
		}
	case "related", "fields":
		var datatypeID int64
		if datatypeID, err = datatypeArg(args); err != nil {
			break
		}
		if cmdName == "related" {
			err = printRelated(ctx, &engine, datatypeID, viewer)
		} else {
			err = printFields(ctx, &engine, datatypeID, viewer)
		}
	case "flush":
		err = engine.FlushCache(ctx)
	default:
		fmt.Printf("Unknown command %v\n", cmdName)
		return 1
	}

	if err == nil {
		fmt.Printf("Finished in %.3v seconds\n", time.Now().Sub(start).Seconds())
		return 0
	} else {
		fmt.Printf("Error: %v\n", err)
		return 1
	}
}

func encode(args []string) int {
	params := searchkey.Params{}
	if err := json.Unmarshal([]byte(strings.Join(args, " ")), &params); err != nil {
		fmt.Printf("Error parsing search parameters: %v\n", err)
		return 1
	}
	key, err := searchkey.EncodeParams(params)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return 1
	}
	fmt.Printf("%v\n", key)
	return 0
}

func datatypeArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("Expected exactly one datatype id")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("Invalid datatype id '%v'", args[0])
	}
	return id, nil
}

func printRelated(ctx context.Context, engine *server.Engine, datatypeID int64, v schema.Viewer) error {
	related, err := engine.GetRelatedDatatypes(ctx, datatypeID, v)
	if err != nil {
		return err
	}
	fmt.Printf("%-10v %v\n", "Target", related.Target)
	fmt.Printf("%-10v %v\n", "Children", related.Children)
	fmt.Printf("%-10v %v\n", "Linked", related.Linked)
	return nil
}

func printFields(ctx context.Context, engine *server.Engine, datatypeID int64, v schema.Viewer) error {
	fields, err := engine.GetSearchableDatafields(ctx, datatypeID, v)
	if err != nil {
		return err
	}
	groups := fields.GroupByDatatype()
	datatypes := []int64{}
	for id := range groups {
		datatypes = append(datatypes, id)
	}
	sort.Slice(datatypes, func(i, j int) bool { return datatypes[i] < datatypes[j] })

	fmt.Printf("%-10v %8v %-30v %-16v %v\n", "Datatype", "Field", "Name", "Typeclass", "Logged in")
	for _, dt := range datatypes {
		for _, f := range groups[dt] {
			fmt.Printf("%-10v %8v %-30v %-16v %v\n", dt, f.ID, f.Name, f.Typeclass, f.Searchable == schema.SearchableLoggedIn)
		}
	}
	return nil
}
